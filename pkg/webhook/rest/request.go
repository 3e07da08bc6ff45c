// file: pkg/webhook/rest/request.go

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"k8s.io/klog/v2"
)

// maxErrorBody 限制读取错误响应体的长度。
const maxErrorBody = 4 << 10

// Request 是对 webhook endpoint 的一次调用，以链式方式构建。
// 构建过程中的错误会被记住，并在 Do 时返回。
type Request struct {
	client  *RESTClient
	method  string
	payload interface{}
	header  http.Header
	err     error
}

func NewRequest(c *RESTClient) *Request {
	return &Request{client: c, header: make(http.Header)}
}

// Verb 指定 HTTP 方法 (e.g., "POST")。
func (r *Request) Verb(verb string) *Request {
	r.method = verb
	return r
}

// Body 设置请求体，Do 时被编码为 JSON。
func (r *Request) Body(obj interface{}) *Request {
	r.payload = obj
	return r
}

// SetHeader 设置一个请求头，会覆盖默认值。
func (r *Request) SetHeader(key string, values ...string) *Request {
	if key == "" {
		r.err = errors.New("header key may not be empty")
		return r
	}
	r.header.Del(key)
	for _, v := range values {
		r.header.Add(key, v)
	}
	return r
}

// Do 发送请求。
// 非 2xx 响应通过 Result.Error() 以 *StatusError 暴露，由调用方决定是否重试。
// 返回的错误中不会出现完整的 endpoint。
func (r *Request) Do(ctx context.Context) *Result {
	if r.err != nil {
		return &Result{err: r.err}
	}

	req, err := r.newHTTPRequest(ctx)
	if err != nil {
		return &Result{err: err}
	}

	klog.V(4).InfoS("Calling webhook", "method", req.Method, "endpoint", r.client.Endpoint())
	resp, err := r.client.httpClient.Do(req)
	if err != nil {
		return &Result{err: fmt.Errorf("request failed: %w", redactURLError(err))}
	}
	defer resp.Body.Close()
	return newResult(resp)
}

func (r *Request) newHTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if r.payload != nil {
		data, err := json.Marshal(r.payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.client.endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", redactURLError(err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", r.client.userAgent)
	for k, vs := range r.header {
		req.Header[k] = vs
	}
	return req, nil
}

// redactURLError 把 *url.Error 中的 URL 替换成脱敏后的版本。
func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = RedactURL(ue.URL)
	}
	return err
}

func newResult(resp *http.Response) *Result {
	result := &Result{statusCode: resp.StatusCode}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// 读完 body 以便复用连接
		_, _ = io.Copy(io.Discard, resp.Body)
		return result
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	result.err = &StatusError{Code: resp.StatusCode, Body: string(body)}
	return result
}

// Result 是一次调用的结果。
type Result struct {
	statusCode int
	err        error
}

// StatusCode 返回 HTTP 状态码；请求没有发出时为 0。
func (r *Result) StatusCode() int {
	return r.statusCode
}

// Error 返回传输错误或 *StatusError。
func (r *Result) Error() error {
	return r.err
}
