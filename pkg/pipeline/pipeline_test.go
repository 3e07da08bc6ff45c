package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventv1 "github.com/fx147/kube-notifier/pkg/apis/event/v1"
	"github.com/fx147/kube-notifier/pkg/checkpoint"
	"github.com/fx147/kube-notifier/pkg/dedup"
	"github.com/fx147/kube-notifier/pkg/informer"
)

// fakeStream 依次返回 events，然后返回 final；final 为 nil 时阻塞到 ctx 取消。
type fakeStream struct {
	events  []eventv1.ChangeEvent
	final   error
	pending string
	cp      eventv1.WatchCheckpoint
	closed  bool
}

func (s *fakeStream) Next(ctx context.Context) (eventv1.ChangeEvent, error) {
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		s.pending = ev.Ref.ResourceVersion
		return ev, nil
	}
	if s.final != nil {
		return eventv1.ChangeEvent{}, s.final
	}
	<-ctx.Done()
	return eventv1.ChangeEvent{}, ctx.Err()
}

func (s *fakeStream) Commit() {
	if s.pending != "" {
		s.cp = eventv1.WatchCheckpoint{ResourceVersion: s.pending, LastSeenAt: time.Now()}
		s.pending = ""
	}
}

func (s *fakeStream) Checkpoint() eventv1.WatchCheckpoint { return s.cp }
func (s *fakeStream) Close()                              { s.closed = true }

type fakeDispatcher struct {
	mu        sync.Mutex
	running   bool
	submitted []eventv1.ChangeEvent
	grace     time.Duration
	shutdown  bool
}

func (d *fakeDispatcher) Run() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
}

func (d *fakeDispatcher) Submit(ev eventv1.ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted = append(d.submitted, ev)
}

func (d *fakeDispatcher) Shutdown(grace time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown = true
	d.grace = grace
}

func (d *fakeDispatcher) Submitted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, ev := range d.submitted {
		out = append(out, ev.Ref.Name+"@"+ev.Ref.ResourceVersion)
	}
	return out
}

func podEvent(t eventv1.EventType, name, rv string) eventv1.ChangeEvent {
	return eventv1.ChangeEvent{
		Type: t,
		Ref:  eventv1.ResourceRef{Kind: "Pod", Namespace: "default", Name: name, ResourceVersion: rv},
	}
}

func newDedup(t *testing.T) *dedup.Deduplicator {
	d, err := dedup.New(16)
	require.NoError(t, err)
	return d
}

func TestPipeline_FiltersDuplicatesAndStopsOnExhausted(t *testing.T) {
	exhausted := &informer.WatchError{Reason: informer.Exhausted, Err: errors.New("connection refused")}
	stream := &fakeStream{
		events: []eventv1.ChangeEvent{
			podEvent(eventv1.Added, "a", "1"),
			podEvent(eventv1.Added, "a", "1"),
			podEvent(eventv1.Modified, "b", "2"),
			podEvent(eventv1.Deleted, "a", "3"),
		},
		final: exhausted,
	}
	var resumedFrom *eventv1.WatchCheckpoint
	source := SourceFunc(func(cp *eventv1.WatchCheckpoint) EventStream {
		resumedFrom = cp
		return stream
	})

	store, err := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "cp"))
	require.NoError(t, err)
	dispatcher := &fakeDispatcher{}

	p := New(source, newDedup(t), dispatcher, store, Options{
		CheckpointKey:       "core/v1/pods",
		ShutdownGracePeriod: 3 * time.Second,
	})

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, informer.IsExhausted(err))

	assert.Nil(t, resumedFrom, "no stored checkpoint means a full list")
	assert.Equal(t, []string{"a@1", "b@2", "a@3"}, dispatcher.Submitted())
	assert.True(t, dispatcher.running)
	assert.True(t, dispatcher.shutdown)
	assert.Equal(t, 3*time.Second, dispatcher.grace)
	assert.True(t, stream.closed)

	entry, err := store.Load(context.Background(), "core/v1/pods")
	require.NoError(t, err)
	assert.Equal(t, "3", entry.Checkpoint.ResourceVersion)
}

func TestPipeline_ResumesFromStoredCheckpoint(t *testing.T) {
	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "core/v1/pods", eventv1.WatchCheckpoint{ResourceVersion: "50"}))

	var resumedFrom *eventv1.WatchCheckpoint
	stream := &fakeStream{events: []eventv1.ChangeEvent{podEvent(eventv1.Modified, "a", "51")}}
	source := SourceFunc(func(cp *eventv1.WatchCheckpoint) EventStream {
		resumedFrom = cp
		return stream
	})
	dispatcher := &fakeDispatcher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(source, newDedup(t), dispatcher, store, Options{CheckpointKey: "core/v1/pods"}).Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(dispatcher.Submitted()) == 1 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean stop")
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}

	require.NotNil(t, resumedFrom)
	assert.Equal(t, "50", resumedFrom.ResourceVersion)

	entry, err := store.Load(context.Background(), "core/v1/pods")
	require.NoError(t, err)
	assert.Equal(t, "51", entry.Checkpoint.ResourceVersion)
	assert.Equal(t, uint64(2), entry.Revision)
}

func TestPipeline_WithoutStore(t *testing.T) {
	var resumedFrom = &eventv1.WatchCheckpoint{ResourceVersion: "sentinel"}
	stream := &fakeStream{
		events: []eventv1.ChangeEvent{podEvent(eventv1.Added, "a", "1")},
		final:  &informer.WatchError{Reason: informer.Exhausted},
	}
	source := SourceFunc(func(cp *eventv1.WatchCheckpoint) EventStream {
		resumedFrom = cp
		return stream
	})
	dispatcher := &fakeDispatcher{}

	err := New(source, newDedup(t), dispatcher, nil, Options{}).Run(context.Background())
	assert.True(t, informer.IsExhausted(err))
	assert.Nil(t, resumedFrom)
	assert.Equal(t, []string{"a@1"}, dispatcher.Submitted())
	assert.Equal(t, DefaultShutdownGracePeriod, dispatcher.grace)
}

// corruptStore 的 Load 总是失败。
type corruptStore struct{ checkpoint.Store }

func (corruptStore) Load(context.Context, string) (checkpoint.Entry, error) {
	return checkpoint.Entry{}, errors.New("unexpected end of JSON input")
}

func TestPipeline_FailsOnUnreadableCheckpoint(t *testing.T) {
	opened := false
	source := SourceFunc(func(*eventv1.WatchCheckpoint) EventStream {
		opened = true
		return &fakeStream{}
	})

	err := New(source, newDedup(t), &fakeDispatcher{}, corruptStore{}, Options{CheckpointKey: "core/v1/pods"}).Run(context.Background())
	assert.ErrorContains(t, err, "failed to load checkpoint")
	assert.False(t, opened)
}
