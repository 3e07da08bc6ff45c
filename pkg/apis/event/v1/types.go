// file: pkg/apis/event/v1/types.go

package v1

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
)

// EventType 定义了变更事件的类型。
// 取值与 watch.EventType 保持一致，方便直接转换。
type EventType string

const (
	Added    EventType = EventType(watch.Added)
	Modified EventType = EventType(watch.Modified)
	Deleted  EventType = EventType(watch.Deleted)
	Bookmark EventType = EventType(watch.Bookmark)
	Error    EventType = EventType(watch.Error)
)

// Identity 是一个资源的唯一标识 (kind, namespace, name)。
// 集群级资源的 Namespace 为空。
type Identity struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// String 返回形如 "Pod/default/nginx" 的 key。
func (i Identity) String() string {
	if i.Namespace == "" {
		return fmt.Sprintf("%s/%s", i.Kind, i.Name)
	}
	return fmt.Sprintf("%s/%s/%s", i.Kind, i.Namespace, i.Name)
}

// ResourceRef 描述一个资源在某一时刻的引用。
type ResourceRef struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`

	// ResourceVersion 是 API Server 下发的不透明版本号。
	// 只在同一个 Identity 内有序，不同资源之间不可比较。
	ResourceVersion string `json:"resourceVersion,omitempty"`
}

// Identity 返回去掉版本号之后的资源标识。
func (r ResourceRef) Identity() Identity {
	return Identity{Kind: r.Kind, Namespace: r.Namespace, Name: r.Name}
}

// Key 是 Identity().String() 的简写。
func (r ResourceRef) Key() string {
	return r.Identity().String()
}

// RefFor 从一个 unstructured 对象中提取 ResourceRef。
// 当对象本身没有 kind 时 (例如 bookmark)，使用 fallbackKind。
func RefFor(obj *unstructured.Unstructured, fallbackKind string) ResourceRef {
	if obj == nil {
		return ResourceRef{Kind: fallbackKind}
	}
	kind := obj.GetKind()
	if kind == "" {
		kind = fallbackKind
	}
	return ResourceRef{
		Kind:            kind,
		Namespace:       obj.GetNamespace(),
		Name:            obj.GetName(),
		ResourceVersion: obj.GetResourceVersion(),
	}
}

// ChangeEvent 是 watch 流中的一条已分类事件。
type ChangeEvent struct {
	Ref  ResourceRef
	Type EventType

	// Object 是资源的快照，对去重和 checkpoint 来说是不透明的。
	// Bookmark 事件没有快照。
	Object *unstructured.Unstructured

	ObservedAt time.Time
}

// String 用于日志输出。
func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s@%s", e.Type, e.Ref.Key(), e.Ref.ResourceVersion)
}

// WatchCheckpoint 记录最后一个被完整处理的 resourceVersion，用于断线或重启后恢复 watch。
type WatchCheckpoint struct {
	ResourceVersion string    `json:"resourceVersion"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
}

// IsZero 表示没有可用的恢复点，需要全量 List。
func (c WatchCheckpoint) IsZero() bool {
	return c.ResourceVersion == ""
}
