// file: pkg/checkpoint/store.go

package checkpoint

import (
	"context"
	"fmt"
	"path"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	eventv1 "github.com/fx147/kube-notifier/pkg/apis/event/v1"
)

// checkpointResource 只用于构造 NotFound 错误
var checkpointResource = schema.GroupResource{Group: "kube-notifier", Resource: "checkpoints"}

// Store 是 checkpoint 的持久化接口。每个 watch 目标对应一个 key，见 KeyFor。
type Store interface {
	// Load 读取 key 对应的 checkpoint，不存在时返回 NotFound 错误。
	Load(ctx context.Context, key string) (Entry, error)

	// Save 覆盖 key 对应的 checkpoint，并递增它的 Revision。
	Save(ctx context.Context, key string, cp eventv1.WatchCheckpoint) error

	// List 按 key 排序返回所有 checkpoint。
	List(ctx context.Context) ([]Entry, error)

	// Delete 删除 key 对应的 checkpoint，下一次启动会从全量 list 开始。删除不存在的 key 不报错。
	Delete(ctx context.Context, key string) error

	Close() error
}

// Entry 是一条持久化的 checkpoint。
type Entry struct {
	Key        string                  `json:"key"`
	Checkpoint eventv1.WatchCheckpoint `json:"checkpoint"`
	// Revision 是这个 key 被保存的次数
	Revision uint64 `json:"revision"`
}

// KeyFor 返回一个 watch 目标的 key，例如 "core/v1/pods" 或 "example.com/v1/meetups/default"。
func KeyFor(gvr schema.GroupVersionResource, namespace string) string {
	group := gvr.Group
	if group == "" {
		group = "core"
	}
	parts := []string{group, gvr.Version, gvr.Resource}
	if namespace != "" {
		parts = append(parts, namespace)
	}
	return strings.Join(parts, "/")
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("checkpoint key must not be empty")
	}
	if strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.Contains(key, "..") {
		return fmt.Errorf("invalid checkpoint key %q", key)
	}
	return nil
}

func notFound(key string) error {
	return apierrors.NewNotFound(checkpointResource, key)
}

// IsNotFound 判断 Load 返回的错误是否表示 checkpoint 不存在。
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}
