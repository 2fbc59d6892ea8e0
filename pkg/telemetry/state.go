package telemetry

import (
	"path/filepath"
	"time"

	"github.com/harborlog/harborlog/internal/statedoc"
)

// SchemaVersion is the queue state document schema. A stored document with
// a different version is discarded on load and the queue starts empty.
const SchemaVersion = 1

// queueState is the durable shape of the queue.
type queueState struct {
	SchemaVersion int `json:"schemaVersion"`
	// Queue is the buffered events in FIFO order.
	Queue []QueuedEvent `json:"queue"`
	// SentCount is the lifetime number of delivered events.
	SentCount int `json:"sentCount"`
	// FailedCount is the lifetime number of events dropped after retry
	// exhaustion.
	FailedCount int `json:"failedCount"`
	// LastFlushTime is when the last successful delivery happened.
	LastFlushTime time.Time `json:"lastFlushTime"`
}

// loadQueueState reads the queue document, falling back to an empty queue
// on a missing, corrupt, or version-mismatched file.
func loadQueueState(dataDir string) *queueState {
	st := &queueState{SchemaVersion: SchemaVersion}
	if !statedoc.Load(queueStatePath(dataDir), SchemaVersion, st) {
		return &queueState{SchemaVersion: SchemaVersion}
	}
	return st
}

// saveQueueState persists the queue document.
func saveQueueState(dataDir string, st *queueState) error {
	st.SchemaVersion = SchemaVersion
	return statedoc.Save(queueStatePath(dataDir), st, 0600)
}

func queueStatePath(dataDir string) string {
	return filepath.Join(dataDir, "telemetry_queue.json")
}
