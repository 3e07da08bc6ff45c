// file: pkg/dedup/dedup.go

// Package dedup 在 watch 流与通知分发之间过滤重复事件。
package dedup

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	eventv1 "github.com/fx147/kube-notifier/pkg/apis/event/v1"
)

// DefaultCapacity 是默认的去重窗口大小。
//
// 窗口越小，重连风暴之后被当作"新事件"再次投递的重复越多；
// 窗口越大，占用的内存越多 (每个 key 约为 kind/namespace/name/rv 四个字符串)。
// 4096 足以覆盖一次中等规模 namespace 的全量 relist。
// 通过配置项 dedup.window-size 调整。
const DefaultCapacity = 4096

var suppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "kube_notifier_dedup_suppressed_total",
	Help: "Number of change events dropped because they were already seen inside the dedup window.",
})

// Key 是去重的单位：资源标识 + resourceVersion。
type Key struct {
	eventv1.Identity
	ResourceVersion string
}

// KeyFor 返回事件对应的去重 key。
func KeyFor(ev eventv1.ChangeEvent) Key {
	return Key{Identity: ev.Ref.Identity(), ResourceVersion: ev.Ref.ResourceVersion}
}

// Deduplicator 维护一个有界的 LRU 最近集合。
// 它不是并发安全的：只允许驱动 watch 流的那一个 goroutine 调用。
type Deduplicator struct {
	seen *simplelru.LRU[Key, struct{}]
}

// New 创建一个容量为 capacity 的 Deduplicator。
func New(capacity int) (*Deduplicator, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("dedup capacity must be positive, got %d", capacity)
	}
	seen, err := simplelru.NewLRU[Key, struct{}](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Deduplicator{seen: seen}, nil
}

// Filter 返回 (ev, true) 表示事件应当继续向下游传递；
// 返回 false 表示该 (identity, resourceVersion) 已经在窗口内出现过。
//
// 被 LRU 淘汰出窗口的 key 会被当作新事件再次放行，这在 at-least-once 语义下是允许的。
func (d *Deduplicator) Filter(ev eventv1.ChangeEvent) (eventv1.ChangeEvent, bool) {
	switch ev.Type {
	case eventv1.Added, eventv1.Modified, eventv1.Deleted:
	default:
		// bookmark 和 error 在 informer 中已经被消化，不应该到这里
		return ev, false
	}

	key := KeyFor(ev)
	if _, ok := d.seen.Get(key); ok {
		suppressedTotal.Inc()
		return ev, false
	}
	d.seen.Add(key, struct{}{})
	return ev, true
}

// Len 返回窗口内当前的 key 数量。
func (d *Deduplicator) Len() int {
	return d.seen.Len()
}
