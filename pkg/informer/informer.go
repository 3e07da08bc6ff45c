// file: pkg/informer/informer.go

package informer

import (
	"context"
	"errors"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/pager"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	eventv1 "github.com/fx147/kube-notifier/pkg/apis/event/v1"
)

const (
	DefaultBackoffBase      = 1 * time.Second
	DefaultBackoffCap       = 30 * time.Second
	DefaultMaxRetryDuration = 5 * time.Minute
	DefaultTimeoutSeconds   = 300
	// DefaultIdleTimeout 要大于 API Server 发送 bookmark 的间隔 (约 1 分钟)。
	DefaultIdleTimeout = 2 * time.Minute
)

// Options 控制一个 Session 的 list/watch 行为。
type Options struct {
	// Kind 用于对象本身没有 kind 字段时填充 ResourceRef。
	Kind string
	// Namespace 为空表示所有命名空间。
	Namespace     string
	LabelSelector string
	FieldSelector string

	// TimeoutSeconds 是交给 API Server 的 watch 超时，到期后服务端关闭连接。
	TimeoutSeconds int64
	// IdleTimeout 是读超时：超过这个时间没有收到任何 watch 帧就认为连接已经失效。
	IdleTimeout time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxRetryDuration 是连续失败的时间上限，超过后 Next 返回 Exhausted。
	MaxRetryDuration time.Duration

	Clock clock.WithTicker
}

func (o *Options) complete() {
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = DefaultBackoffCap
		if o.BackoffCap < o.BackoffBase {
			o.BackoffCap = o.BackoffBase
		}
	}
	if o.MaxRetryDuration <= 0 {
		o.MaxRetryDuration = DefaultMaxRetryDuration
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// Session 描述对一个资源集合的 list/watch。
// 每次 Open 都会开始一个新的逻辑会话。
type Session struct {
	client dynamic.Interface
	gvr    schema.GroupVersionResource
	opts   Options
}

// NewSession 创建一个新的 Session。
func NewSession(client dynamic.Interface, gvr schema.GroupVersionResource, opts Options) *Session {
	opts.complete()
	return &Session{client: client, gvr: gvr, opts: opts}
}

// Open 打开一个 Stream。resumeFrom 为 nil 或者版本号为空时，先做一次全量 list。
func (s *Session) Open(resumeFrom *eventv1.WatchCheckpoint) *Stream {
	st := &Stream{
		session: s,
		clock:   s.opts.Clock,
		backoff: newBackoff(s.opts.BackoffBase, s.opts.BackoffCap),
	}
	if resumeFrom != nil {
		st.checkpoint = *resumeFrom
	}
	st.needRelist = st.checkpoint.ResourceVersion == ""
	return st
}

func (s *Session) resource() dynamic.ResourceInterface {
	if s.opts.Namespace == "" {
		return s.client.Resource(s.gvr)
	}
	return s.client.Resource(s.gvr).Namespace(s.opts.Namespace)
}

// pendingCommit 是最近一次交给调用方、尚未 Commit 的事件对 checkpoint 的影响。
type pendingCommit struct {
	resourceVersion string
}

// Stream 是一个拉取式、单消费者的变更事件序列。
//
// 只有在 Next 内部才会读取 watch 连接，Stream 自身不缓存 watch 帧；
// relist 得到的快照在被 Next 逐条取完之前不会打开新的 watch。
// Stream 不是并发安全的。
type Stream struct {
	session *Session
	clock   clock.WithTicker
	backoff *backoff

	checkpoint eventv1.WatchCheckpoint
	pending    *pendingCommit

	needRelist bool
	// listed 为 true 时，下一次 watch 从 listRV 开始，而不是从 checkpoint 开始
	listed   bool
	listRV   string
	snapshot []eventv1.ChangeEvent

	watcher watch.Interface
	// watchHealthy 表示当前 watch 连接上已经收到过至少一个帧
	watchHealthy bool

	// failingSince 是这一轮连续失败的开始时间，零值表示当前没有失败
	failingSince time.Time
	exhausted    error
	closed       bool
}

// Next 阻塞直到下一个 Added/Modified/Deleted 事件、ctx 被取消，或者重试预算耗尽。
// 调用方在处理完返回的事件后应当调用 Commit。
func (s *Stream) Next(ctx context.Context) (eventv1.ChangeEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return eventv1.ChangeEvent{}, err
		}
		if s.closed {
			return eventv1.ChangeEvent{}, ErrStreamClosed
		}
		if s.exhausted != nil {
			return eventv1.ChangeEvent{}, s.exhausted
		}

		if ev, ok := s.popSnapshot(); ok {
			return ev, nil
		}

		if s.watcher == nil {
			if err := s.establish(ctx); err != nil {
				if ctx.Err() != nil {
					return eventv1.ChangeEvent{}, ctx.Err()
				}
				if err := s.fail(ctx, err); err != nil {
					return eventv1.ChangeEvent{}, err
				}
			}
			continue
		}

		ev, err := s.receive(ctx)
		if err != nil {
			s.stopWatch()
			if ctx.Err() != nil {
				return eventv1.ChangeEvent{}, ctx.Err()
			}
			if errors.Is(err, errWatchEnded) {
				watchRolloversTotal.Inc()
				klog.V(2).InfoS("Watch closed by server, re-establishing", "resource", s.session.gvr.String(), "resourceVersion", s.checkpoint.ResourceVersion)
				continue
			}
			if isGone(err) {
				klog.InfoS("Watch checkpoint expired, relisting", "resource", s.session.gvr.String(), "resourceVersion", s.checkpoint.ResourceVersion)
				s.needRelist = true
				continue
			}
			if err := s.fail(ctx, err); err != nil {
				return eventv1.ChangeEvent{}, err
			}
			continue
		}
		if ev == nil {
			continue
		}
		return *ev, nil
	}
}

// Commit 将最近一次由 Next 返回的事件折叠进 checkpoint。
func (s *Stream) Commit() {
	if s.pending == nil {
		return
	}
	if rv := s.pending.resourceVersion; rv != "" {
		s.checkpoint.ResourceVersion = rv
	}
	s.checkpoint.LastSeenAt = s.clock.Now()
	s.pending = nil
}

// Checkpoint 返回最近一次提交的 checkpoint。
func (s *Stream) Checkpoint() eventv1.WatchCheckpoint {
	return s.checkpoint
}

// Close 停止底层的 watch 连接。
func (s *Stream) Close() {
	s.closed = true
	s.stopWatch()
}

func (s *Stream) popSnapshot() (eventv1.ChangeEvent, bool) {
	if len(s.snapshot) == 0 {
		return eventv1.ChangeEvent{}, false
	}
	ev := s.snapshot[0]
	s.snapshot = s.snapshot[1:]

	// 只有快照的最后一条被提交之后，checkpoint 才能前进到 list 的版本
	s.pending = &pendingCommit{}
	if len(s.snapshot) == 0 {
		s.pending.resourceVersion = s.listRV
	}
	return ev, true
}

// establish 在需要时先 relist，否则打开 watch。
func (s *Stream) establish(ctx context.Context) error {
	if s.needRelist {
		return s.relist(ctx)
	}

	rv := s.checkpoint.ResourceVersion
	if s.listed {
		rv = s.listRV
	}
	opts := s.session.opts
	w, err := s.session.resource().Watch(ctx, metav1.ListOptions{
		ResourceVersion:     rv,
		AllowWatchBookmarks: true,
		TimeoutSeconds:      ptr.To(opts.TimeoutSeconds),
		LabelSelector:       opts.LabelSelector,
		FieldSelector:       opts.FieldSelector,
	})
	if err != nil {
		if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
			klog.InfoS("Watch checkpoint expired, relisting", "resource", s.session.gvr.String(), "resourceVersion", rv)
			s.needRelist = true
			return nil
		}
		return &WatchError{Reason: ConnectFailed, Err: fmt.Errorf("failed to watch %s from resourceVersion %q: %w", s.session.gvr.String(), rv, err)}
	}

	klog.V(2).InfoS("Watch established", "resource", s.session.gvr.String(), "resourceVersion", rv)
	// 连接建立不代表恢复：失败窗口要等收到帧 (markHealthy) 才重置
	s.watcher = w
	s.watchHealthy = false
	return nil
}

// relist 全量列出集合，并为每个对象合成一个 Added 事件。
func (s *Stream) relist(ctx context.Context) error {
	watchRelistsTotal.Inc()

	opts := s.session.opts
	p := pager.New(pager.SimplePageFunc(func(o metav1.ListOptions) (runtime.Object, error) {
		list, err := s.session.resource().List(ctx, o)
		if err != nil {
			return nil, err
		}
		return list, nil
	}))
	list, _, err := p.List(ctx, metav1.ListOptions{
		LabelSelector: opts.LabelSelector,
		FieldSelector: opts.FieldSelector,
	})
	if err != nil {
		return &WatchError{Reason: ConnectFailed, Err: fmt.Errorf("failed to list %s: %w", s.session.gvr.String(), err)}
	}

	listMeta, err := meta.ListAccessor(list)
	if err != nil {
		return &WatchError{Reason: ConnectFailed, Err: fmt.Errorf("unable to understand list result %T: %w", list, err)}
	}

	now := s.clock.Now()
	var snapshot []eventv1.ChangeEvent
	err = meta.EachListItem(list, func(obj runtime.Object) error {
		u, ok := obj.(*unstructured.Unstructured)
		if !ok {
			return fmt.Errorf("unexpected list item type %T", obj)
		}
		snapshot = append(snapshot, eventv1.ChangeEvent{
			Ref:        eventv1.RefFor(u, opts.Kind),
			Type:       eventv1.Added,
			Object:     u,
			ObservedAt: now,
		})
		return nil
	})
	if err != nil {
		return &WatchError{Reason: ConnectFailed, Err: fmt.Errorf("failed to read list of %s: %w", s.session.gvr.String(), err)}
	}

	klog.InfoS("Relisted resources", "resource", s.session.gvr.String(), "items", len(snapshot), "resourceVersion", listMeta.GetResourceVersion())

	s.needRelist = false
	s.listed = true
	s.listRV = listMeta.GetResourceVersion()
	s.snapshot = snapshot
	s.failingSince = time.Time{}
	s.backoff.Reset()

	// 空快照没有事件可以交付，直接推进 checkpoint
	if len(snapshot) == 0 && s.listRV != "" {
		s.checkpoint = eventv1.WatchCheckpoint{ResourceVersion: s.listRV, LastSeenAt: now}
	}
	return nil
}

// receive 读取一个 watch 帧。Bookmark 返回 (nil, nil)。
func (s *Stream) receive(ctx context.Context) (*eventv1.ChangeEvent, error) {
	idle := s.clock.NewTimer(s.session.opts.IdleTimeout)
	defer idle.Stop()

	var e watch.Event
	var ok bool
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-idle.C():
		return nil, &WatchError{Reason: ConnectFailed, Err: fmt.Errorf("no watch event received within %v", s.session.opts.IdleTimeout)}
	case e, ok = <-s.watcher.ResultChan():
		if !ok {
			if s.watchHealthy {
				return nil, errWatchEnded
			}
			return nil, &WatchError{Reason: ConnectFailed, Err: errors.New("watch channel closed before any event")}
		}
	}

	watchEventsTotal.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case watch.Error:
		err := apierrors.FromObject(e.Object)
		if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
			return nil, &WatchError{Reason: Gone, Err: err}
		}
		return nil, &WatchError{Reason: ConnectFailed, Err: fmt.Errorf("watch error event: %w", err)}

	case watch.Bookmark:
		obj, err := meta.Accessor(e.Object)
		if err != nil {
			return nil, &WatchError{Reason: ConnectFailed, Err: fmt.Errorf("unable to understand bookmark %T: %w", e.Object, err)}
		}
		// bookmark 没有需要交付的内容，直接折叠进 checkpoint
		if rv := obj.GetResourceVersion(); rv != "" {
			s.checkpoint = eventv1.WatchCheckpoint{ResourceVersion: rv, LastSeenAt: s.clock.Now()}
		}
		s.listed = false
		s.markHealthy()
		return nil, nil

	case watch.Added, watch.Modified, watch.Deleted:
		u, ok := e.Object.(*unstructured.Unstructured)
		if !ok {
			return nil, &WatchError{Reason: ConnectFailed, Err: fmt.Errorf("unexpected watch object type %T", e.Object)}
		}
		ev := eventv1.ChangeEvent{
			Ref:        eventv1.RefFor(u, s.session.opts.Kind),
			Type:       eventv1.EventType(e.Type),
			Object:     u,
			ObservedAt: s.clock.Now(),
		}
		s.pending = &pendingCommit{resourceVersion: ev.Ref.ResourceVersion}
		s.listed = false
		s.markHealthy()
		klog.V(4).InfoS("Watch event", "type", ev.Type, "object", ev.Ref.Key(), "resourceVersion", ev.Ref.ResourceVersion)
		return &ev, nil

	default:
		return nil, &WatchError{Reason: ConnectFailed, Err: fmt.Errorf("unknown watch event type %q", e.Type)}
	}
}

func (s *Stream) markHealthy() {
	s.watchHealthy = true
	s.failingSince = time.Time{}
	s.backoff.Reset()
}

// fail 记录一次连接失败并等待退避。重试预算耗尽时返回 Exhausted。
func (s *Stream) fail(ctx context.Context, err error) error {
	now := s.clock.Now()
	if s.failingSince.IsZero() {
		s.failingSince = now
	}

	// 断线之后只能从已经提交的位置恢复
	s.listed = false
	if s.checkpoint.ResourceVersion == "" {
		s.needRelist = true
	}

	if failing := now.Sub(s.failingSince); failing >= s.session.opts.MaxRetryDuration {
		klog.ErrorS(err, "Giving up on watch", "resource", s.session.gvr.String(), "failingFor", failing)
		s.exhausted = &WatchError{Reason: Exhausted, Err: err}
		return s.exhausted
	}

	delay := s.backoff.Next()
	watchReconnectsTotal.Inc()
	klog.V(2).InfoS("Watch connection failed, reconnecting", "resource", s.session.gvr.String(), "err", err, "attempt", s.backoff.attempt, "delay", delay)

	t := s.clock.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

func (s *Stream) stopWatch() {
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
}
