package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu           sync.Mutex
	token        string
	tokenErr     error
	refreshCalls int
	refreshErr   error
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token, nil
}

func (f *fakeTokens) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshErr
}

func (f *fakeTokens) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

type fakeSender struct {
	mu      sync.Mutex
	batches [][]Event
	// errs is consumed one per call; nil entries mean success. When
	// exhausted, calls succeed.
	errs []error
	// block, when non-nil, makes PostEvents wait until it is closed.
	block chan struct{}
	// called is signaled (non-blockingly) on every call.
	called chan struct{}
}

func (f *fakeSender) PostEvents(ctx context.Context, token string, events []Event) error {
	f.mu.Lock()
	batch := append([]Event(nil), events...)
	f.batches = append(f.batches, batch)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	called := f.called
	block := f.block
	f.mu.Unlock()

	if called != nil {
		select {
		case called <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeSender) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeSender) lastBatch() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}

func newTestQueue(t *testing.T, sender Sender, tokens TokenSource, cfg Config) *Queue {
	t.Helper()
	q := NewQueue(sender, tokens, t.TempDir(), cfg)
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}

func event(typ EventType) Event {
	return Event{Type: typ, SessionID: "s1", AgentType: "cli"}
}

func TestEnqueueAssignsIDAndTimestamp(t *testing.T) {
	sender := &fakeSender{}
	q := newTestQueue(t, sender, &fakeTokens{token: "tok"}, Config{})

	q.Enqueue(event(EventSessionStart))
	q.Enqueue(event(EventInteraction))

	require.Equal(t, 2, q.Depth())

	sent, failed := q.Flush(context.Background())
	assert.Equal(t, 2, sent)
	assert.Equal(t, 0, failed)

	batch := sender.lastBatch()
	require.Len(t, batch, 2)
	assert.NotEmpty(t, batch[0].ID)
	assert.NotEmpty(t, batch[1].ID)
	assert.NotEqual(t, batch[0].ID, batch[1].ID)
	assert.False(t, batch[0].Timestamp.IsZero())
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, 2, q.Stats().SentCount)
}

func TestFlushEmptyQueue(t *testing.T) {
	sender := &fakeSender{}
	q := newTestQueue(t, sender, &fakeTokens{token: "tok"}, Config{})

	sent, failed := q.Flush(context.Background())
	assert.Zero(t, sent)
	assert.Zero(t, failed)
	assert.Equal(t, 0, sender.batchCount())
}

func TestFlushWithoutCredentialDefersDelivery(t *testing.T) {
	sender := &fakeSender{}
	tokens := &fakeTokens{tokenErr: errors.New("not authenticated")}
	q := newTestQueue(t, sender, tokens, Config{})

	q.Enqueue(event(EventMetric))

	sent, failed := q.Flush(context.Background())
	assert.Zero(t, sent)
	assert.Zero(t, failed)
	assert.Equal(t, 0, sender.batchCount(), "no delivery attempt without a credential")
	assert.Equal(t, 1, q.Depth(), "queue untouched")
}

func TestQueueBoundRetainsMostRecent(t *testing.T) {
	sender := &fakeSender{}
	// High batch size so the threshold flush never fires.
	q := newTestQueue(t, sender, &fakeTokens{token: "tok"}, Config{MaxQueueSize: 5, BatchSize: 100})

	for i := 0; i < 8; i++ {
		ev := event(EventMetric)
		ev.Payload = map[string]any{"seq": fmt.Sprintf("%d", i)}
		q.Enqueue(ev)
	}

	require.Equal(t, 5, q.Depth())

	q.mu.Lock()
	first := q.queue[0].Event.Payload["seq"]
	last := q.queue[len(q.queue)-1].Event.Payload["seq"]
	q.mu.Unlock()

	assert.Equal(t, "3", first, "oldest events discarded")
	assert.Equal(t, "7", last)
}

func TestRetryExhaustionDropsEvent(t *testing.T) {
	boom := errors.New("connection reset")
	sender := &fakeSender{errs: []error{boom, boom, boom}}
	q := newTestQueue(t, sender, &fakeTokens{token: "tok"}, Config{MaxRetries: 3, BatchSize: 100})

	q.Enqueue(event(EventError))

	for i := 0; i < 2; i++ {
		sent, failed := q.Flush(context.Background())
		assert.Zero(t, sent)
		assert.Equal(t, 1, failed)
		assert.Equal(t, 1, q.Depth(), "event stays queued below the retry limit")
	}

	sent, failed := q.Flush(context.Background())
	assert.Zero(t, sent)
	assert.Equal(t, 1, failed)

	assert.Equal(t, 0, q.Depth(), "event dropped at the retry limit")
	stats := q.Stats()
	assert.Equal(t, 1, stats.FailedCount)
	assert.False(t, stats.Healthy)
	assert.Contains(t, stats.LastError, "connection reset")

	// The dropped event is never retried again.
	sent, failed = q.Flush(context.Background())
	assert.Zero(t, sent)
	assert.Zero(t, failed)
	assert.Equal(t, 3, sender.batchCount())
}

func TestFailedBatchKeepsOrder(t *testing.T) {
	dir := t.TempDir()

	// Seed three queued events directly so the batch threshold cannot
	// trigger a flush of its own.
	st := &queueState{SchemaVersion: SchemaVersion}
	for i := 0; i < 3; i++ {
		ev := event(EventInteraction)
		ev.ID = newEventID()
		ev.Payload = map[string]any{"seq": fmt.Sprintf("%d", i)}
		st.Queue = append(st.Queue, QueuedEvent{Event: ev, EnqueuedAt: time.Now()})
	}
	require.NoError(t, saveQueueState(dir, st))

	boom := errors.New("gateway timeout")
	sender := &fakeSender{errs: []error{boom}}
	q := NewQueue(sender, &fakeTokens{token: "tok"}, dir, Config{MaxRetries: 3, BatchSize: 2})
	defer func() { _ = q.Close(context.Background()) }()
	require.Equal(t, 3, q.Depth())

	// First flush fails; the two batch items stay at the front.
	_, failed := q.Flush(context.Background())
	require.Equal(t, 2, failed)
	require.Equal(t, 3, q.Depth())

	// Second flush succeeds and must re-send the same front items.
	sent, _ := q.Flush(context.Background())
	require.Equal(t, 2, sent)

	batch := sender.lastBatch()
	require.Len(t, batch, 2)
	assert.Equal(t, "0", batch[0].Payload["seq"])
	assert.Equal(t, "1", batch[1].Payload["seq"])
}

func TestAuthRetryBound(t *testing.T) {
	sender := &fakeSender{errs: []error{ErrUnauthorized, ErrUnauthorized}}
	tokens := &fakeTokens{token: "tok"}
	q := newTestQueue(t, sender, tokens, Config{MaxRetries: 5, BatchSize: 100})

	q.Enqueue(event(EventAuth))

	sent, failed := q.Flush(context.Background())
	assert.Zero(t, sent)
	assert.Equal(t, 1, failed)

	assert.Equal(t, 1, tokens.refreshCount(), "exactly one refresh attempt")
	assert.Equal(t, 2, sender.batchCount(), "original attempt plus one retry")
	assert.Equal(t, 1, q.Depth(), "batch marked failed, not dropped yet")
}

func TestAuthRetrySucceedsAfterRefresh(t *testing.T) {
	sender := &fakeSender{errs: []error{ErrUnauthorized, nil}}
	tokens := &fakeTokens{token: "tok"}
	q := newTestQueue(t, sender, tokens, Config{BatchSize: 100})

	q.Enqueue(event(EventAuth))

	sent, failed := q.Flush(context.Background())
	assert.Equal(t, 1, sent)
	assert.Zero(t, failed)
	assert.Equal(t, 1, tokens.refreshCount())
	assert.Equal(t, 0, q.Depth())
	assert.True(t, q.Stats().Healthy)
}

func TestAuthRetryRefreshFailure(t *testing.T) {
	sender := &fakeSender{errs: []error{ErrUnauthorized}}
	tokens := &fakeTokens{token: "tok", refreshErr: errors.New("refresh rejected")}
	q := newTestQueue(t, sender, tokens, Config{BatchSize: 100})

	q.Enqueue(event(EventAuth))

	sent, failed := q.Flush(context.Background())
	assert.Zero(t, sent)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, sender.batchCount(), "no second delivery attempt when refresh fails")
}

func TestEventsEnqueuedDuringFlushSurvive(t *testing.T) {
	block := make(chan struct{})
	called := make(chan struct{}, 1)
	sender := &fakeSender{block: block, called: called}
	q := newTestQueue(t, sender, &fakeTokens{token: "tok"}, Config{BatchSize: 100})

	q.Enqueue(event(EventSessionStart))

	done := make(chan struct{})
	go func() {
		q.Flush(context.Background())
		close(done)
	}()

	<-called // delivery call is in flight

	q.Enqueue(event(EventSessionEnd))

	close(block)
	<-done

	// The in-flight flush removed only its own batch.
	require.Equal(t, 1, q.Depth())
	q.mu.Lock()
	remaining := q.queue[0].Event.Type
	q.mu.Unlock()
	assert.Equal(t, EventSessionEnd, remaining)
}

func TestOverflowDuringFlushKeepsUndeliveredEvents(t *testing.T) {
	block := make(chan struct{})
	called := make(chan struct{}, 1)
	sender := &fakeSender{block: block, called: called}
	q := newTestQueue(t, sender, &fakeTokens{token: "tok"}, Config{MaxQueueSize: 2, BatchSize: 100})

	ev := event(EventMetric)
	ev.Payload = map[string]any{"seq": "1"}
	q.Enqueue(ev)

	done := make(chan struct{})
	go func() {
		q.Flush(context.Background())
		close(done)
	}()
	<-called // delivery of the seq-1 batch is in flight

	// Two more enqueues push the queue over its bound; the trim discards
	// the oldest item, which is exactly the one out for delivery.
	for _, seq := range []string{"2", "3"} {
		ev := event(EventMetric)
		ev.Payload = map[string]any{"seq": seq}
		q.Enqueue(ev)
	}
	require.Equal(t, 2, q.Depth())

	close(block)
	<-done

	// Completion of the delivery must not remove events that were never
	// submitted, even though the batch no longer sits at the queue front.
	require.Equal(t, 2, q.Depth())
	q.mu.Lock()
	first := q.queue[0].Event.Payload["seq"]
	last := q.queue[1].Event.Payload["seq"]
	q.mu.Unlock()
	assert.Equal(t, "2", first)
	assert.Equal(t, "3", last)
	assert.Equal(t, 1, q.Stats().SentCount)
}

func TestOverflowDuringFailedFlushLeavesSurvivorsUnmarked(t *testing.T) {
	block := make(chan struct{})
	called := make(chan struct{}, 1)
	sender := &fakeSender{errs: []error{errors.New("connection reset")}, block: block, called: called}
	q := newTestQueue(t, sender, &fakeTokens{token: "tok"}, Config{MaxQueueSize: 2, BatchSize: 100, MaxRetries: 3})

	q.Enqueue(event(EventMetric))

	done := make(chan struct{})
	go func() {
		q.Flush(context.Background())
		close(done)
	}()
	<-called

	q.Enqueue(event(EventMetric))
	q.Enqueue(event(EventMetric)) // trims the in-flight event

	close(block)
	<-done

	// The failed batch item is gone already; the retry mark must not land
	// on the unrelated events now occupying the queue front.
	require.Equal(t, 2, q.Depth())
	q.mu.Lock()
	for i, item := range q.queue {
		assert.Zero(t, item.RetryCount, "event %d never had a delivery attempt", i)
	}
	q.mu.Unlock()
}

func TestThresholdTriggersFlush(t *testing.T) {
	called := make(chan struct{}, 1)
	sender := &fakeSender{called: called}
	q := newTestQueue(t, sender, &fakeTokens{token: "tok"}, Config{BatchSize: 3})

	q.Enqueue(event(EventMetric))
	q.Enqueue(event(EventMetric))
	select {
	case <-called:
		t.Fatal("flush fired below the batch threshold")
	case <-time.After(50 * time.Millisecond):
	}

	q.Enqueue(event(EventMetric))
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("threshold flush did not fire")
	}
}

func TestQueuePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	offline := errors.New("offline")
	// Both the explicit flush and the final flush inside Close fail.
	sender := &fakeSender{errs: []error{offline, offline}}
	tokens := &fakeTokens{token: "tok"}

	q := NewQueue(sender, tokens, dir, Config{BatchSize: 100})
	q.Enqueue(event(EventSessionStart))
	q.Enqueue(event(EventSessionEnd))
	q.Flush(context.Background()) // fails, events retained with a retry mark
	require.NoError(t, q.Close(context.Background()))

	restored := NewQueue(&fakeSender{}, tokens, dir, Config{BatchSize: 100})
	defer func() { _ = restored.Close(context.Background()) }()

	assert.Equal(t, 2, restored.Depth())
	restored.mu.Lock()
	assert.Equal(t, 2, restored.queue[0].RetryCount)
	restored.mu.Unlock()
}

func TestCloseDrainsQueue(t *testing.T) {
	dir := t.TempDir()
	sender := &fakeSender{}
	q := NewQueue(sender, &fakeTokens{token: "tok"}, dir, Config{BatchSize: 100})

	q.Enqueue(event(EventSessionEnd))
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, 1, sender.batchCount(), "final flush on shutdown")
	assert.Equal(t, 0, q.Depth())

	// Closed queue refuses new work.
	q.Enqueue(event(EventMetric))
	assert.Equal(t, 0, q.Depth())

	// The persisted document reflects the drained queue.
	restored := NewQueue(&fakeSender{}, &fakeTokens{token: "tok"}, dir, Config{})
	defer func() { _ = restored.Close(context.Background()) }()
	assert.Equal(t, 0, restored.Depth())
	assert.Equal(t, 1, restored.Stats().SentCount)
}

func TestPeriodicFlush(t *testing.T) {
	called := make(chan struct{}, 1)
	sender := &fakeSender{called: called}
	q := newTestQueue(t, sender, &fakeTokens{token: "tok"}, Config{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	})

	q.Enqueue(event(EventMetric))
	q.Start()

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic flush did not fire")
	}
}
