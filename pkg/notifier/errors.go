// file: pkg/notifier/errors.go

package notifier

import (
	"errors"
	"fmt"
)

// ErrorKind 区分投递失败是否值得重试。
type ErrorKind string

const (
	// Transient 表示暂时性失败 (超时、5xx、连接被重置)，会按退避策略重试。
	Transient ErrorKind = "Transient"
	// Permanent 表示重试没有意义 (endpoint 不合法、4xx)，直接丢弃。
	Permanent ErrorKind = "Permanent"
)

// DispatchError 是 Sender 返回的分类错误。
type DispatchError struct {
	Kind ErrorKind
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s dispatch error: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// NewTransient 将 err 包装为可重试错误。
func NewTransient(err error) error {
	return &DispatchError{Kind: Transient, Err: err}
}

// NewPermanent 将 err 包装为不可重试错误。
func NewPermanent(err error) error {
	return &DispatchError{Kind: Permanent, Err: err}
}

// IsPermanent 判断错误是否不可重试。
// 未分类的错误按暂时性错误处理。
func IsPermanent(err error) bool {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind == Permanent
	}
	return false
}

// IsTransient 判断错误是否可重试。
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}
