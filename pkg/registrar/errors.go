// file: pkg/registrar/errors.go

package registrar

import (
	"errors"
	"fmt"
)

// ErrorType 是 Registrar 错误的分类。
type ErrorType string

const (
	// InvalidDefinition 表示定义本身不合法，在任何网络调用之前返回。
	InvalidDefinition ErrorType = "InvalidDefinition"
	// Rejected 表示 API Server 拒绝了定义，或者集群中已有同名但内容不同的定义。不会重试。
	Rejected ErrorType = "Rejected"
	// Transport 表示网络或认证错误，重试耗尽之后返回。
	Transport ErrorType = "Transport"
)

// Error 是 Ensure 返回的错误类型。
type Error struct {
	Type   ErrorType
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	}
	return string(e.Type)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TypeForError 返回错误链中 *Error 的类型，不是 *Error 时返回空字符串。
func TypeForError(err error) ErrorType {
	var re *Error
	if errors.As(err, &re) {
		return re.Type
	}
	return ""
}

func IsInvalidDefinition(err error) bool {
	return TypeForError(err) == InvalidDefinition
}

func IsRejected(err error) bool {
	return TypeForError(err) == Rejected
}

func IsTransport(err error) bool {
	return TypeForError(err) == Transport
}
