// file: pkg/pipeline/pipeline.go

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	eventv1 "github.com/fx147/kube-notifier/pkg/apis/event/v1"
	"github.com/fx147/kube-notifier/pkg/checkpoint"
	"github.com/fx147/kube-notifier/pkg/dedup"
	"github.com/fx147/kube-notifier/pkg/informer"
	"github.com/fx147/kube-notifier/pkg/notifier"
)

const (
	DefaultCheckpointInterval  = 10 * time.Second
	DefaultShutdownGracePeriod = 10 * time.Second
)

// EventStream 是 informer.Stream 的抽象。
type EventStream interface {
	Next(ctx context.Context) (eventv1.ChangeEvent, error)
	Commit()
	Checkpoint() eventv1.WatchCheckpoint
	Close()
}

// Source 打开一个 EventStream。
type Source interface {
	Open(resumeFrom *eventv1.WatchCheckpoint) EventStream
}

// SourceFunc 将一个函数适配为 Source。
type SourceFunc func(resumeFrom *eventv1.WatchCheckpoint) EventStream

func (f SourceFunc) Open(resumeFrom *eventv1.WatchCheckpoint) EventStream {
	return f(resumeFrom)
}

// FromSession 将 informer.Session 适配为 Source。
func FromSession(s *informer.Session) Source {
	return SourceFunc(func(resumeFrom *eventv1.WatchCheckpoint) EventStream {
		return s.Open(resumeFrom)
	})
}

// Dispatcher 是 notifier.Dispatcher 的抽象。
type Dispatcher interface {
	Run()
	Submit(ev eventv1.ChangeEvent)
	Shutdown(grace time.Duration)
}

var _ Dispatcher = &notifier.Dispatcher{}

type Options struct {
	// CheckpointKey 是 checkpoint 在 Store 中的 key，见 checkpoint.KeyFor。
	CheckpointKey string
	// CheckpointInterval 是两次持久化之间的最小间隔。退出时总会再保存一次。
	CheckpointInterval  time.Duration
	ShutdownGracePeriod time.Duration

	Clock clock.Clock
}

func (o *Options) complete() {
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.ShutdownGracePeriod <= 0 {
		o.ShutdownGracePeriod = DefaultShutdownGracePeriod
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// Pipeline 把 watch、去重和投递串起来，并负责 checkpoint 的持久化。
// Pipeline 是唯一读写持久化 checkpoint 的组件。
type Pipeline struct {
	source     Source
	dedup      *dedup.Deduplicator
	dispatcher Dispatcher
	// store 为 nil 时不持久化 checkpoint
	store checkpoint.Store
	opts  Options

	lastSaved   eventv1.WatchCheckpoint
	lastSavedAt time.Time
}

func New(source Source, d *dedup.Deduplicator, dispatcher Dispatcher, store checkpoint.Store, opts Options) *Pipeline {
	opts.complete()
	return &Pipeline{
		source:     source,
		dedup:      d,
		dispatcher: dispatcher,
		store:      store,
		opts:       opts,
	}
}

// Run 一直运行，直到 ctx 被取消 (返回 nil) 或者 watch 重试预算耗尽 (返回该错误)。
// 返回之前，队列中的通知会在 ShutdownGracePeriod 内尽量投递完。
func (p *Pipeline) Run(ctx context.Context) error {
	defer utilruntime.HandleCrash()

	resume, err := p.loadCheckpoint(ctx)
	if err != nil {
		return err
	}

	stream := p.source.Open(resume)
	defer stream.Close()

	klog.InfoS("Starting pipeline", "checkpointKey", p.opts.CheckpointKey, "resumeFrom", resume)
	p.dispatcher.Run()

	var received, submitted int
	runErr := func() error {
		for {
			ev, err := stream.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			received++

			if ev, ok := p.dedup.Filter(ev); ok {
				p.dispatcher.Submit(ev)
				submitted++
			}
			stream.Commit()
			p.persist(ctx, stream.Checkpoint(), false)
		}
	}()

	if runErr != nil {
		if informer.IsExhausted(runErr) {
			klog.ErrorS(runErr, "Watch retry budget exhausted, stopping pipeline")
		} else {
			klog.ErrorS(runErr, "Pipeline stopped unexpectedly")
		}
	}

	p.dispatcher.Shutdown(p.opts.ShutdownGracePeriod)

	// ctx 可能已经被取消了
	p.persist(context.Background(), stream.Checkpoint(), true)

	klog.InfoS("Pipeline stopped", "received", received, "submitted", submitted, "checkpoint", stream.Checkpoint())
	return runErr
}

func (p *Pipeline) loadCheckpoint(ctx context.Context) (*eventv1.WatchCheckpoint, error) {
	if p.store == nil {
		return nil, nil
	}
	entry, err := p.store.Load(ctx, p.opts.CheckpointKey)
	if err != nil {
		if checkpoint.IsNotFound(err) {
			klog.InfoS("No stored checkpoint, starting with a full list", "key", p.opts.CheckpointKey)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", p.opts.CheckpointKey, err)
	}
	p.lastSaved = entry.Checkpoint
	p.lastSavedAt = p.opts.Clock.Now()
	klog.InfoS("Resuming from stored checkpoint", "key", p.opts.CheckpointKey, "resourceVersion", entry.Checkpoint.ResourceVersion, "revision", entry.Revision)
	return &entry.Checkpoint, nil
}

// persist 保存 checkpoint。force 为 false 时受 CheckpointInterval 限制。
// 保存失败只记录日志：下一次保存会覆盖，最坏情况是重启后重复投递一部分事件。
func (p *Pipeline) persist(ctx context.Context, cp eventv1.WatchCheckpoint, force bool) {
	if p.store == nil || cp.IsZero() || cp.ResourceVersion == p.lastSaved.ResourceVersion {
		return
	}
	now := p.opts.Clock.Now()
	if !force && now.Sub(p.lastSavedAt) < p.opts.CheckpointInterval {
		return
	}
	if err := p.store.Save(ctx, p.opts.CheckpointKey, cp); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		utilruntime.HandleError(fmt.Errorf("failed to save checkpoint %s: %w", p.opts.CheckpointKey, err))
		return
	}
	klog.V(4).InfoS("Saved checkpoint", "key", p.opts.CheckpointKey, "resourceVersion", cp.ResourceVersion)
	p.lastSaved = cp
	p.lastSavedAt = now
}
