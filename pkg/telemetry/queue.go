package telemetry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/harborlog/harborlog/pkg/observability"
)

// Defaults for queue configuration.
const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultMaxQueueSize  = 1000

	// persistDebounce coalesces bursts of queue mutations into one write.
	persistDebounce = time.Second
)

// Config configures the queue. Zero values take the defaults above.
type Config struct {
	// BatchSize is how many events one delivery call carries; reaching it
	// also triggers an immediate flush.
	BatchSize int
	// FlushInterval is how often the periodic flusher runs.
	FlushInterval time.Duration
	// MaxRetries is how many failed delivery attempts an event survives
	// before it is dropped.
	MaxRetries int
	// MaxQueueSize bounds the queue; overflow discards the oldest events.
	MaxQueueSize int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	return c
}

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	// QueueDepth is the number of buffered events.
	QueueDepth int `json:"queueDepth"`
	// SentCount is the lifetime number of delivered events.
	SentCount int `json:"sentCount"`
	// FailedCount is the lifetime number of dropped events.
	FailedCount int `json:"failedCount"`
	// LastFlushTime is when the last successful delivery happened.
	LastFlushTime time.Time `json:"lastFlushTime"`
	// Healthy reports whether the last delivery attempt succeeded.
	Healthy bool `json:"healthy"`
	// LastError is the most recent delivery error, empty when healthy.
	LastError string `json:"lastError,omitempty"`
}

// Queue buffers telemetry events and delivers them in batches. Buffered
// events survive restarts through a versioned state document. Queue is
// safe for concurrent use; flushes are serialized so a successful delivery
// always removes a prefix of the queue as it stood when the batch was
// taken.
type Queue struct {
	sender  Sender
	tokens  TokenSource
	dataDir string
	cfg     Config

	mu            sync.Mutex
	queue         []QueuedEvent
	sentCount     int
	failedCount   int
	lastFlushTime time.Time
	lastError     string
	healthy       bool
	closed        bool
	persistTimer  *time.Timer

	// flushMu serializes delivery attempts.
	flushMu sync.Mutex

	stopPeriodic chan struct{}
	periodicDone chan struct{}

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewQueue creates a queue, restoring any events persisted by a previous
// process.
func NewQueue(sender Sender, tokens TokenSource, dataDir string, cfg Config) *Queue {
	st := loadQueueState(dataDir)

	q := &Queue{
		sender:        sender,
		tokens:        tokens,
		dataDir:       dataDir,
		cfg:           cfg.withDefaults(),
		queue:         st.Queue,
		sentCount:     st.SentCount,
		failedCount:   st.FailedCount,
		lastFlushTime: st.LastFlushTime,
		healthy:       true,
		now:           time.Now,
	}
	observability.SetQueueDepth(len(q.queue))
	return q
}

// Enqueue assigns the event an ID and timestamp and appends it to the
// queue. Reaching the batch threshold triggers an asynchronous flush;
// overflow past the queue bound discards the oldest events first.
func (q *Queue) Enqueue(ev Event) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return
	}

	ev.ID = newEventID()
	ev.Timestamp = q.now().UTC()

	q.queue = append(q.queue, QueuedEvent{
		Event:      ev,
		EnqueuedAt: ev.Timestamp,
	})

	if over := len(q.queue) - q.cfg.MaxQueueSize; over > 0 {
		log.Printf("[telemetry] queue full, discarding %d oldest events", over)
		q.queue = append(q.queue[:0:0], q.queue[over:]...)
	}

	depth := len(q.queue)
	observability.SetQueueDepth(depth)
	q.schedulePersistLocked()
	q.mu.Unlock()

	if depth >= q.cfg.BatchSize {
		go q.Flush(context.Background())
	}
}

// Flush attempts delivery of the front batch. It never returns an error:
// sent is the number of events delivered, failed the number of batch
// events whose delivery attempt failed (dropped events are additionally
// counted in Stats().FailedCount).
func (q *Queue) Flush(ctx context.Context) (sent, failed int) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.flush(ctx, 0)
}

// flush runs one delivery attempt. Callers hold flushMu. authRetryDepth
// bounds the refresh-and-retry path on an unauthorized response to a
// single extra attempt.
func (q *Queue) flush(ctx context.Context, authRetryDepth int) (sent, failed int) {
	q.mu.Lock()
	if len(q.queue) == 0 {
		q.mu.Unlock()
		return 0, 0
	}

	n := q.cfg.BatchSize
	if n > len(q.queue) {
		n = len(q.queue)
	}
	batch := make([]Event, n)
	for i := 0; i < n; i++ {
		batch[i] = q.queue[i].Event
	}
	q.mu.Unlock()

	token, err := q.tokens.Token(ctx)
	if err != nil {
		// No credential: delivery is deferred, not failed. The queue is
		// left untouched.
		return 0, 0
	}

	err = q.sender.PostEvents(ctx, token, batch)
	if err == nil {
		q.mu.Lock()
		q.removeDeliveredLocked(batch)
		q.sentCount += n
		q.lastFlushTime = q.now().UTC()
		q.lastError = ""
		q.healthy = true
		observability.SetQueueDepth(len(q.queue))
		observability.SetConnectivityHealthy(true)
		q.schedulePersistLocked()
		q.mu.Unlock()

		observability.RecordEventsSent(n)
		return n, 0
	}

	if errors.Is(err, ErrUnauthorized) && authRetryDepth < 1 {
		if refreshErr := q.tokens.Refresh(ctx); refreshErr == nil {
			return q.flush(ctx, authRetryDepth+1)
		}
	}

	q.markBatchFailed(batch, err)
	return 0, n
}

// batchIDs indexes a submitted batch by event ID. Removal and retry
// marking match on IDs rather than queue positions: an overflow trim
// during the delivery call may have discarded batch items from the front,
// so the batch is not necessarily the queue prefix anymore.
func batchIDs(batch []Event) map[string]bool {
	ids := make(map[string]bool, len(batch))
	for _, ev := range batch {
		ids[ev.ID] = true
	}
	return ids
}

// removeDeliveredLocked drops exactly the delivered batch from the queue.
// Callers hold q.mu.
func (q *Queue) removeDeliveredLocked(batch []Event) {
	ids := batchIDs(batch)
	kept := make([]QueuedEvent, 0, len(q.queue))
	for _, item := range q.queue {
		if !ids[item.Event.ID] {
			kept = append(kept, item)
		}
	}
	q.queue = kept
}

// markBatchFailed applies the retry policy to the submitted batch: every
// still-queued batch item gets a retry mark, items at the retry limit are
// dropped, everything else stays in place for the next flush.
func (q *Queue) markBatchFailed(batch []Event, cause error) {
	ids := batchIDs(batch)

	q.mu.Lock()

	kept := make([]QueuedEvent, 0, len(q.queue))
	dropped := 0
	for _, item := range q.queue {
		if !ids[item.Event.ID] {
			kept = append(kept, item)
			continue
		}
		item.RetryCount++
		if item.RetryCount >= q.cfg.MaxRetries {
			dropped++
			log.Printf("[telemetry] dropping event %s (%s) after %d attempts",
				item.Event.ID, item.Event.Type, item.RetryCount)
			continue
		}
		kept = append(kept, item)
	}

	q.queue = kept
	q.failedCount += dropped
	q.lastError = cause.Error()
	q.healthy = false
	observability.SetQueueDepth(len(q.queue))
	observability.SetConnectivityHealthy(false)
	q.schedulePersistLocked()
	q.mu.Unlock()

	observability.RecordEventsFailed(dropped)
}

// Start launches the periodic flusher. It runs until Close.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopPeriodic != nil || q.closed {
		return
	}
	q.stopPeriodic = make(chan struct{})
	q.periodicDone = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(q.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if q.Depth() > 0 {
					q.Flush(context.Background())
				}
			}
		}
	}(q.stopPeriodic, q.periodicDone)
}

// Depth reports the number of buffered events.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Stats reports a snapshot of queue health.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		QueueDepth:    len(q.queue),
		SentCount:     q.sentCount,
		FailedCount:   q.failedCount,
		LastFlushTime: q.lastFlushTime,
		Healthy:       q.healthy,
		LastError:     q.lastError,
	}
}

// Close drains the queue: one final flush attempt, one final persistence
// write, then timers are released. The queue accepts no events afterward.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true

	if q.persistTimer != nil {
		q.persistTimer.Stop()
		q.persistTimer = nil
	}
	stop := q.stopPeriodic
	done := q.periodicDone
	q.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	q.flushMu.Lock()
	q.flush(ctx, 0)
	q.flushMu.Unlock()

	return q.persistNow()
}

// schedulePersistLocked arms (or re-arms) the debounced persistence write.
// Callers hold q.mu.
func (q *Queue) schedulePersistLocked() {
	if q.closed {
		return
	}
	if q.persistTimer != nil {
		q.persistTimer.Reset(persistDebounce)
		return
	}
	q.persistTimer = time.AfterFunc(persistDebounce, func() {
		if err := q.persistNow(); err != nil {
			log.Printf("[telemetry] persist queue: %v", err)
		}
	})
}

// persistNow writes the queue document immediately.
func (q *Queue) persistNow() error {
	q.mu.Lock()
	st := &queueState{
		SchemaVersion: SchemaVersion,
		Queue:         append([]QueuedEvent(nil), q.queue...),
		SentCount:     q.sentCount,
		FailedCount:   q.failedCount,
		LastFlushTime: q.lastFlushTime,
	}
	q.mu.Unlock()

	return saveQueueState(q.dataDir, st)
}
