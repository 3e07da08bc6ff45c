// file: pkg/webhook/rest/response.go

package rest

import (
	"errors"
	"fmt"
)

// StatusError 表示 endpoint 返回了非 2xx 的状态码。
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("webhook returned HTTP %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("webhook returned HTTP %d", e.Code)
}

// EndpointError 表示 endpoint 本身不合法，重试没有意义。
type EndpointError struct {
	Endpoint string
	Reason   string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("invalid webhook endpoint %q: %s", RedactURL(e.Endpoint), e.Reason)
}

// StatusCodeOf 从错误链中取出 HTTP 状态码，没有则返回 0。
func StatusCodeOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
