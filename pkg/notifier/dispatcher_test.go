package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventv1 "github.com/fx147/kube-notifier/pkg/apis/event/v1"
)

// fakeSender 按脚本返回结果，并记录每一次调用。
type fakeSender struct {
	mu       sync.Mutex
	calls    []Message
	inflight map[string]int
	maxSame  int
	script   func(n int, msg Message) error
	block    func(ctx context.Context, msg Message)
}

func newFakeSender(script func(n int, msg Message) error) *fakeSender {
	return &fakeSender{script: script, inflight: map[string]int{}}
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	n := len(f.calls) + 1
	f.calls = append(f.calls, msg)
	key := identityOf(msg.Text)
	f.inflight[key]++
	if f.inflight[key] > f.maxSame {
		f.maxSame = f.inflight[key]
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight[key]--
		f.mu.Unlock()
	}()

	if f.block != nil {
		f.block(ctx, msg)
	}
	if f.script == nil {
		return nil
	}
	return f.script(n, msg)
}

func (f *fakeSender) Calls() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.calls...)
}

// identityOf 从 "Pod update: default/a (rv=1)" 中取出 "default/a"。
func identityOf(text string) string {
	var kind, verb, name string
	_, _ = fmt.Sscanf(text, "%s %s %s", &kind, &verb, &name)
	return name
}

func podEvent(name, rv string) eventv1.ChangeEvent {
	return eventv1.ChangeEvent{
		Type: eventv1.Modified,
		Ref:  eventv1.ResourceRef{Kind: "Pod", Namespace: "default", Name: name, ResourceVersion: rv},
	}
}

func testOptions(outcomes chan Outcome) Options {
	return Options{
		Workers:        4,
		MaxAttempts:    5,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		OnOutcome: func(o Outcome) {
			outcomes <- o
		},
	}
}

func waitOutcome(t *testing.T, outcomes <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatch outcome")
		return Outcome{}
	}
}

func TestDispatcher_RetriesTransientThenDelivers(t *testing.T) {
	sender := newFakeSender(func(n int, _ Message) error {
		if n <= 3 {
			return NewTransient(context.DeadlineExceeded)
		}
		return nil
	})
	outcomes := make(chan Outcome, 10)
	d := NewDispatcher(sender, testOptions(outcomes))
	d.Run()
	defer d.Shutdown(time.Second)

	d.Submit(podEvent("a", "1"))

	o := waitOutcome(t, outcomes)
	assert.Equal(t, Delivered, o.Status)
	assert.Equal(t, 4, o.Attempts)
	assert.NoError(t, o.Err)

	// 不应再有额外的重试
	time.Sleep(50 * time.Millisecond)
	calls := sender.Calls()
	require.Len(t, calls, 4)
	for _, c := range calls {
		assert.Equal(t, calls[0].ID, c.ID, "notification id must be stable across retries")
	}
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_AlwaysFailingSinkIsBounded(t *testing.T) {
	sender := newFakeSender(func(int, Message) error {
		return NewTransient(errors.New("connection reset by peer"))
	})
	outcomes := make(chan Outcome, 10)
	d := NewDispatcher(sender, testOptions(outcomes))
	d.Run()
	defer d.Shutdown(time.Second)

	d.Submit(podEvent("a", "1"))

	o := waitOutcome(t, outcomes)
	assert.Equal(t, Dropped, o.Status)
	assert.Equal(t, 5, o.Attempts)
	assert.True(t, IsTransient(o.Err))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sender.Calls(), 5)
}

func TestDispatcher_PermanentErrorIsNotRetried(t *testing.T) {
	sender := newFakeSender(func(int, Message) error {
		return NewPermanent(errors.New("webhook returned HTTP 404"))
	})
	outcomes := make(chan Outcome, 10)
	d := NewDispatcher(sender, testOptions(outcomes))
	d.Run()
	defer d.Shutdown(time.Second)

	d.Submit(podEvent("a", "1"))

	o := waitOutcome(t, outcomes)
	assert.Equal(t, Dropped, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.True(t, IsPermanent(o.Err))

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sender.Calls(), 1)
}

func TestDispatcher_SerializesPerIdentity(t *testing.T) {
	// 每个 identity 的第一次投递都失败一次，迫使后续事件在队头之后等待
	var mu sync.Mutex
	failedOnce := map[string]bool{}
	sender := newFakeSender(func(_ int, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		id := identityOf(msg.Text)
		if !failedOnce[id] {
			failedOnce[id] = true
			return NewTransient(errors.New("503"))
		}
		return nil
	})
	sender.block = func(context.Context, Message) { time.Sleep(time.Millisecond) }

	outcomes := make(chan Outcome, 100)
	d := NewDispatcher(sender, testOptions(outcomes))
	d.Run()
	defer d.Shutdown(time.Second)

	for i := 1; i <= 5; i++ {
		d.Submit(podEvent("a", fmt.Sprint(i)))
		d.Submit(podEvent("b", fmt.Sprint(i)))
	}

	delivered := map[string][]string{}
	for i := 0; i < 10; i++ {
		o := waitOutcome(t, outcomes)
		require.Equal(t, Delivered, o.Status)
		delivered[o.Event.Ref.Name] = append(delivered[o.Event.Ref.Name], o.Event.Ref.ResourceVersion)
	}

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, delivered["a"])
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, delivered["b"])

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, 1, sender.maxSame, "at most one outstanding attempt per identity")
}

func TestDispatcher_DistinctIdentitiesRunInParallel(t *testing.T) {
	release := make(chan struct{})
	sender := newFakeSender(nil)
	sender.block = func(ctx context.Context, msg Message) {
		if identityOf(msg.Text) == "default/slow" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
	}

	outcomes := make(chan Outcome, 10)
	d := NewDispatcher(sender, testOptions(outcomes))
	d.Run()
	defer d.Shutdown(time.Second)

	d.Submit(podEvent("slow", "1"))
	d.Submit(podEvent("fast", "1"))

	o := waitOutcome(t, outcomes)
	assert.Equal(t, "fast", o.Event.Ref.Name)

	close(release)
	o = waitOutcome(t, outcomes)
	assert.Equal(t, "slow", o.Event.Ref.Name)
}

func TestDispatcher_ShutdownAbandonsAfterGracePeriod(t *testing.T) {
	sender := newFakeSender(func(int, Message) error { return NewTransient(context.Canceled) })
	sender.block = func(ctx context.Context, _ Message) {
		<-ctx.Done()
	}

	outcomes := make(chan Outcome, 10)
	d := NewDispatcher(sender, testOptions(outcomes))
	d.Run()

	d.Submit(podEvent("a", "1"))
	d.Submit(podEvent("a", "2"))

	// 等待第一次投递开始
	require.Eventually(t, func() bool { return len(sender.Calls()) == 1 }, 5*time.Second, time.Millisecond)

	start := time.Now()
	d.Shutdown(50 * time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)

	first := waitOutcome(t, outcomes)
	second := waitOutcome(t, outcomes)
	assert.Equal(t, Abandoned, first.Status)
	assert.Equal(t, Abandoned, second.Status)
	assert.Equal(t, 0, d.Pending())

	// 关闭之后提交的事件直接被放弃
	d.Submit(podEvent("b", "1"))
	assert.Equal(t, Abandoned, waitOutcome(t, outcomes).Status)
}

func TestDispatcher_ShutdownDrainsQueuedNotifications(t *testing.T) {
	sender := newFakeSender(nil)
	outcomes := make(chan Outcome, 10)
	d := NewDispatcher(sender, testOptions(outcomes))

	for i := 1; i <= 3; i++ {
		d.Submit(podEvent("a", fmt.Sprint(i)))
	}
	d.Run()
	d.Shutdown(5 * time.Second)

	for i := 0; i < 3; i++ {
		assert.Equal(t, Delivered, waitOutcome(t, outcomes).Status)
	}
	assert.Len(t, sender.Calls(), 3)
}

func TestDispatcher_ShutdownWaitsForBackingOffRetries(t *testing.T) {
	sender := newFakeSender(func(n int, _ Message) error {
		if n == 1 {
			return NewTransient(errors.New("503"))
		}
		return nil
	})
	outcomes := make(chan Outcome, 10)
	opts := testOptions(outcomes)
	opts.RetryBaseDelay = 100 * time.Millisecond
	opts.RetryMaxDelay = 100 * time.Millisecond
	d := NewDispatcher(sender, opts)
	d.Run()

	d.Submit(podEvent("a", "1"))
	d.Submit(podEvent("a", "2"))

	// 第一次投递失败之后，队头处于退避中
	require.Eventually(t, func() bool { return len(sender.Calls()) == 1 }, 5*time.Second, time.Millisecond)

	d.Shutdown(5 * time.Second)

	first := waitOutcome(t, outcomes)
	assert.Equal(t, Delivered, first.Status)
	assert.Equal(t, "1", first.Event.Ref.ResourceVersion)
	assert.Equal(t, 2, first.Attempts)

	second := waitOutcome(t, outcomes)
	assert.Equal(t, Delivered, second.Status)
	assert.Equal(t, "2", second.Event.Ref.ResourceVersion)

	assert.Len(t, sender.Calls(), 3)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_ShutdownAbandonsRetryDueAfterGracePeriod(t *testing.T) {
	sender := newFakeSender(func(int, Message) error {
		return NewTransient(errors.New("503"))
	})
	outcomes := make(chan Outcome, 10)
	opts := testOptions(outcomes)
	opts.RetryBaseDelay = time.Hour
	opts.RetryMaxDelay = time.Hour
	d := NewDispatcher(sender, opts)
	d.Run()

	d.Submit(podEvent("a", "1"))
	require.Eventually(t, func() bool { return len(sender.Calls()) == 1 }, 5*time.Second, time.Millisecond)

	start := time.Now()
	d.Shutdown(50 * time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)

	o := waitOutcome(t, outcomes)
	assert.Equal(t, Abandoned, o.Status)
	assert.Equal(t, 1, o.Attempts)
	assert.Len(t, sender.Calls(), 1)
}
