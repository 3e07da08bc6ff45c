// file: pkg/informer/errors.go

package informer

import (
	"errors"
	"fmt"
)

// WatchErrorReason 描述 watch 失败的原因。
type WatchErrorReason string

const (
	// ConnectFailed 表示建立或维持 watch 连接失败，会带退避重连。
	ConnectFailed WatchErrorReason = "ConnectFailed"
	// Gone 表示 checkpoint 已过期 (410)。只在内部使用，会触发 relist，不会返回给调用方。
	Gone WatchErrorReason = "Gone"
	// Exhausted 表示连续失败超过了 MaxRetryDuration，Stream 不再可用。
	Exhausted WatchErrorReason = "Exhausted"
)

// ErrStreamClosed 在 Close 之后调用 Next 时返回。
var ErrStreamClosed = errors.New("watch stream is closed")

// errWatchEnded 表示一个已经收到过帧的 watch 被服务端正常关闭 (TimeoutSeconds 到期)。
// 只在内部使用：直接重新建立 watch，不计入失败。
var errWatchEnded = errors.New("watch closed by server")

// WatchError 是 Stream.Next 返回的错误类型。
type WatchError struct {
	Reason WatchErrorReason
	Err    error
}

func (e *WatchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("watch %s", e.Reason)
	}
	return fmt.Sprintf("watch %s: %v", e.Reason, e.Err)
}

func (e *WatchError) Unwrap() error {
	return e.Err
}

// ReasonForError 返回错误链中 WatchError 的 Reason，不是 WatchError 时返回空字符串。
func ReasonForError(err error) WatchErrorReason {
	var we *WatchError
	if errors.As(err, &we) {
		return we.Reason
	}
	return ""
}

func IsExhausted(err error) bool {
	return ReasonForError(err) == Exhausted
}

func IsConnectFailed(err error) bool {
	return ReasonForError(err) == ConnectFailed
}

func isGone(err error) bool {
	return ReasonForError(err) == Gone
}
