// file: pkg/webhook/rest/rest_client.go

package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "kube-notifier/v1"
)

type Interface interface {
	Verb(verb string) *Request
	Post() *Request
	Endpoint() string
}

// RESTClient 是一个面向单个 webhook endpoint 的 HTTP 客户端。
type RESTClient struct {
	endpoint   *url.URL
	httpClient *http.Client
	userAgent  string
}

var _ Interface = &RESTClient{}

// NewRESTClient 解析 endpoint 并创建客户端。
// endpoint 必须是带 host 的 http/https 绝对地址，否则返回 *EndpointError。
func NewRESTClient(endpoint string, httpClient *http.Client) (*RESTClient, error) {
	u, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &RESTClient{
		endpoint:   u,
		httpClient: httpClient,
		userAgent:  defaultUserAgent,
	}, nil
}

// ParseEndpoint 校验 webhook 地址。
func ParseEndpoint(endpoint string) (*url.URL, error) {
	if endpoint == "" {
		return nil, &EndpointError{Endpoint: endpoint, Reason: "endpoint is required"}
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		// url.Error 会带上原始 URL
		return nil, &EndpointError{Endpoint: endpoint, Reason: "malformed URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &EndpointError{Endpoint: endpoint, Reason: fmt.Sprintf("scheme must be http or https, got %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &EndpointError{Endpoint: endpoint, Reason: "endpoint must include a host"}
	}
	return u, nil
}

func (c *RESTClient) Verb(verb string) *Request {
	return NewRequest(c).Verb(verb)
}

// Post begins a POST request. Short for c.Verb("POST").
func (c *RESTClient) Post() *Request {
	return c.Verb(http.MethodPost)
}

// Endpoint 返回脱敏后的 endpoint，用于日志。
func (c *RESTClient) Endpoint() string {
	return RedactURL(c.endpoint.String())
}

// RedactURL 隐藏 URL 中的凭证：userinfo 中的密码、query 参数的值，以及 path。
// Slack 这类 incoming webhook 的 path 本身就是密钥。
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	r := &url.URL{Scheme: u.Scheme, Host: u.Host}
	if u.User != nil {
		r.User = url.User(u.User.Username())
	}
	if u.Path != "" && u.Path != "/" {
		r.Path = "/REDACTED"
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "REDACTED")
		}
		r.RawQuery = q.Encode()
	}
	return r.String()
}
