// file: pkg/notifier/dispatcher.go

package notifier

import (
	"context"
	"sync"
	"time"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	eventv1 "github.com/fx147/kube-notifier/pkg/apis/event/v1"
)

const (
	DefaultMaxAttempts    = 5
	DefaultWorkers        = 4
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 30 * time.Second
)

// OutcomeStatus 是一条通知的终态。
type OutcomeStatus string

const (
	Delivered OutcomeStatus = "delivered"
	// Dropped 表示遇到不可重试错误或重试次数耗尽。
	Dropped OutcomeStatus = "dropped"
	// Abandoned 表示在关闭过程中放弃了尚未完成的通知。
	Abandoned OutcomeStatus = "abandoned"
)

// Outcome 通过 Options.OnOutcome 回调报告给调用方。
type Outcome struct {
	Event    eventv1.ChangeEvent
	Status   OutcomeStatus
	Attempts int
	Err      error
}

// Attempt 只存在于 Dispatcher 的 per-identity 队列中。
type Attempt struct {
	Event         eventv1.ChangeEvent
	Message       Message
	AttemptNumber int
	NextRetryAt   time.Time
}

// Options 是 Dispatcher 的可调参数。
type Options struct {
	Workers        int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// OnOutcome 在 worker goroutine 中被调用，必须是并发安全的。
	OnOutcome func(Outcome)

	Clock clock.WithTicker
}

func (o *Options) complete() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = DefaultRetryMaxDelay
		if o.RetryMaxDelay < o.RetryBaseDelay {
			o.RetryMaxDelay = o.RetryBaseDelay
		}
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

// Dispatcher 将变更事件投递到 Sender，带有限次数的重试。
//
// 同一个资源 (identity) 的通知严格按提交顺序串行投递：
// workqueue 保证同一个 key 不会被两个 worker 同时处理，
// key 对应的 FIFO 保存该资源所有待投递的通知。
// 不同资源之间可以并行投递。
type Dispatcher struct {
	sender Sender
	opts   Options

	queue       workqueue.TypedDelayingInterface[string]
	rateLimiter workqueue.TypedRateLimiter[string]

	// mu 只保护 pending，永远不会在 I/O 期间持有。
	mu      sync.Mutex
	pending map[string][]*Attempt

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher 创建一个新的 Dispatcher。需要调用 Run 启动 worker。
func NewDispatcher(sender Sender, opts Options) *Dispatcher {
	opts.complete()

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender: sender,
		opts:   opts,
		queue: workqueue.NewTypedDelayingQueueWithConfig(workqueue.TypedDelayingQueueConfig[string]{
			Name:  "notifications",
			Clock: opts.Clock,
		}),
		rateLimiter: workqueue.NewTypedItemExponentialFailureRateLimiter[string](opts.RetryBaseDelay, opts.RetryMaxDelay),
		pending:     make(map[string][]*Attempt),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run 启动 worker。它不会阻塞。
func (d *Dispatcher) Run() {
	klog.InfoS("Starting notification dispatcher", "workers", d.opts.Workers, "maxAttempts", d.opts.MaxAttempts)
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer utilruntime.HandleCrash()
			d.runWorker()
		}()
	}
}

// Submit 接受一个事件并立即返回。投递结果通过 OnOutcome 回调报告。
func (d *Dispatcher) Submit(ev eventv1.ChangeEvent) {
	attempt := &Attempt{Event: ev, Message: BuildMessage(ev)}
	if d.queue.ShuttingDown() {
		d.report(attempt, Abandoned, nil)
		return
	}

	key := ev.Ref.Key()
	d.mu.Lock()
	d.pending[key] = append(d.pending[key], attempt)
	d.mu.Unlock()
	pendingNotifications.Inc()

	d.queue.Add(key)
}

// Shutdown 停止接收新的通知，并在 grace 时间内等待队列中的通知投递完成。
// 超时后取消正在进行的请求，剩余的通知被放弃。
func (d *Dispatcher) Shutdown(grace time.Duration) {
	klog.InfoS("Shutting down notification dispatcher", "gracePeriod", grace)

	// 关闭之后 AddAfter 不再生效。把所有还有通知的 identity 放回队列，
	// 正在退避的队头由 worker 在 processHead 中等到重试时间
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for key := range d.pending {
		keys = append(keys, key)
	}
	d.mu.Unlock()
	for _, key := range keys {
		d.queue.Add(key)
	}

	done := make(chan struct{})
	go func() {
		d.queue.ShutDownWithDrain()
		d.wg.Wait()
		close(done)
	}()

	timer := d.opts.Clock.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C():
		klog.Warningf("Dispatcher did not drain within %v, abandoning in-flight notifications", grace)
		d.cancel()
		d.queue.ShutDown()
		<-done
	}
	d.cancel()
	// 停掉 delaying queue 的后台循环
	d.queue.ShutDown()

	// 还在等待重试或排在队头之后的通知
	d.mu.Lock()
	leftover := d.pending
	d.pending = make(map[string][]*Attempt)
	d.mu.Unlock()
	for _, attempts := range leftover {
		for _, a := range attempts {
			pendingNotifications.Dec()
			d.report(a, Abandoned, nil)
		}
	}
}

// Pending 返回尚未到达终态的通知数量。
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, attempts := range d.pending {
		n += len(attempts)
	}
	return n
}

// runWorker 是一个持续运行的循环，负责从队列中消费任务并处理。
func (d *Dispatcher) runWorker() {
	for d.processNextWorkItem() {
	}
}

// processNextWorkItem 取出一个 identity，投递它 FIFO 队头的通知。
func (d *Dispatcher) processNextWorkItem() bool {
	key, quit := d.queue.Get()
	if quit {
		return false
	}
	defer d.queue.Done(key)

	for d.processHead(key) {
	}
	return true
}

// processHead 投递 key 的队头。
// 返回 true 表示队列正在关闭，应当在本次处理中继续处理同一 identity
// (下一条通知，或者退避后重试当前通知)：关闭之后 workqueue 不再接受 Add。
func (d *Dispatcher) processHead(key string) bool {
	attempt := d.head(key)
	if attempt == nil {
		return false
	}

	if err := d.ctx.Err(); err != nil {
		return d.finish(key, attempt, Abandoned, err)
	}

	if d.opts.Clock.Now().Before(attempt.NextRetryAt) {
		// 队头还在退避中，被新提交的事件唤醒；等 AddAfter 到期后再处理
		if !d.queue.ShuttingDown() {
			return false
		}
		if !d.waitUntil(attempt.NextRetryAt) {
			return d.finish(key, attempt, Abandoned, d.ctx.Err())
		}
	}

	attempt.AttemptNumber++
	start := d.opts.Clock.Now()
	err := d.sender.Send(d.ctx, attempt.Message)
	result := "success"
	switch {
	case err == nil:
	case IsPermanent(err):
		result = "permanent"
	default:
		result = "transient"
	}
	deliveryAttemptsTotal.WithLabelValues(result).Inc()
	deliveryDuration.WithLabelValues(result).Observe(d.opts.Clock.Since(start).Seconds())

	return d.handleErr(key, attempt, err)
}

// handleErr 负责处理投递返回的错误，并决定是否重试。
func (d *Dispatcher) handleErr(key string, attempt *Attempt, err error) bool {
	if err == nil {
		klog.V(4).InfoS("Notification delivered", "event", attempt.Event, "attempt", attempt.AttemptNumber)
		return d.finish(key, attempt, Delivered, nil)
	}

	if d.ctx.Err() != nil {
		return d.finish(key, attempt, Abandoned, err)
	}

	if IsPermanent(err) {
		klog.ErrorS(err, "Dropping notification after permanent failure", "event", attempt.Event, "attempt", attempt.AttemptNumber)
		return d.finish(key, attempt, Dropped, err)
	}

	if attempt.AttemptNumber >= d.opts.MaxAttempts {
		utilruntime.HandleError(err)
		klog.Warningf("Dropping notification for %s out of the queue after %d attempts: %v", key, attempt.AttemptNumber, err)
		return d.finish(key, attempt, Dropped, err)
	}

	delay := d.rateLimiter.When(key)
	attempt.NextRetryAt = d.opts.Clock.Now().Add(delay)
	klog.V(2).Infof("Error delivering notification for %v: %v. Retrying in %v (attempt %d/%d).", key, err, delay, attempt.AttemptNumber, d.opts.MaxAttempts)
	d.queue.AddAfter(key, delay)
	// 关闭过程中 AddAfter 被忽略，由当前 worker 继续处理这个 identity
	return d.queue.ShuttingDown()
}

// waitUntil 等到 t 或者 Dispatcher 被取消。返回 false 表示被取消。
func (d *Dispatcher) waitUntil(t time.Time) bool {
	timer := d.opts.Clock.NewTimer(t.Sub(d.opts.Clock.Now()))
	defer timer.Stop()
	select {
	case <-d.ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}

// head 返回 key 对应 FIFO 的队头。
func (d *Dispatcher) head(key string) *Attempt {
	d.mu.Lock()
	defer d.mu.Unlock()
	attempts := d.pending[key]
	if len(attempts) == 0 {
		return nil
	}
	return attempts[0]
}

// finish 弹出队头，如果该 identity 还有后续通知则重新入队。
// 返回值含义同 processHead。
func (d *Dispatcher) finish(key string, attempt *Attempt, status OutcomeStatus, err error) bool {
	d.rateLimiter.Forget(key)

	d.mu.Lock()
	attempts := d.pending[key]
	if len(attempts) > 0 && attempts[0] == attempt {
		attempts = attempts[1:]
	}
	if len(attempts) == 0 {
		delete(d.pending, key)
	} else {
		d.pending[key] = attempts
	}
	more := len(attempts) > 0
	d.mu.Unlock()
	pendingNotifications.Dec()

	if more {
		d.queue.Add(key)
	}
	d.report(attempt, status, err)
	return more && d.queue.ShuttingDown()
}

func (d *Dispatcher) report(attempt *Attempt, status OutcomeStatus, err error) {
	notificationsTotal.WithLabelValues(string(status)).Inc()
	if d.opts.OnOutcome != nil {
		d.opts.OnOutcome(Outcome{
			Event:    attempt.Event,
			Status:   status,
			Attempts: attempt.AttemptNumber,
			Err:      err,
		})
	}
}
