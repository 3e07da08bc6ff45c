// file: pkg/notifier/webhook_sender.go

package notifier

import (
	"context"
	"errors"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/fx147/kube-notifier/pkg/webhook/rest"
)

// Sender 将一条消息投递到外部 sink。
// 返回的错误应当是 *DispatchError，以便 Dispatcher 决定是否重试。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// textPayload 是 Slack incoming webhook 兼容的请求体。
type textPayload struct {
	Text string `json:"text"`
}

// WebhookSender 通过 HTTP POST {"text": ...} 投递通知。
type WebhookSender struct {
	client rest.Interface
}

var _ Sender = &WebhookSender{}

// NewWebhookSender 创建一个 WebhookSender。endpoint 不合法时返回错误。
func NewWebhookSender(endpoint string, timeout time.Duration) (*WebhookSender, error) {
	client, err := rest.NewRESTClient(endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, NewPermanent(err)
	}
	klog.InfoS("Webhook sender configured", "endpoint", client.Endpoint(), "timeout", timeout)
	return &WebhookSender{client: client}, nil
}

// Send 实现 Sender 接口。
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	result := s.client.Post().
		SetHeader("X-Notification-Id", msg.ID).
		Body(textPayload{Text: msg.Text}).
		Do(ctx)
	return classify(result.Error())
}

// classify 将 HTTP 层的错误映射为 Transient / Permanent。
func classify(err error) error {
	if err == nil {
		return nil
	}

	var ee *rest.EndpointError
	if errors.As(err, &ee) {
		return NewPermanent(err)
	}

	if code := rest.StatusCodeOf(err); code != 0 {
		switch {
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
			return NewTransient(err)
		default:
			return NewPermanent(err)
		}
	}

	// 超时、连接被拒绝、连接被重置、DNS 抖动等都视为暂时性错误
	return NewTransient(err)
}
