package syncer

import (
	"path/filepath"
	"time"

	"github.com/harborlog/harborlog/internal/statedoc"
)

// SchemaVersion is the sync state document schema. A stored document with a
// different version is discarded on load and sync starts from scratch.
const SchemaVersion = 1

// State is the durable bookkeeping of the synchronizer. It is loaded once
// at construction, mutated during a cycle, and persisted exactly once at
// cycle end.
type State struct {
	SchemaVersion int `json:"schemaVersion"`
	// LastSyncTime is when the last cycle completed.
	LastSyncTime time.Time `json:"lastSyncTime"`
	// PendingSessionIDs are uploads deferred past the per-cycle cap,
	// drained first on the next cycle.
	PendingSessionIDs []string `json:"pendingSessionIds"`
	// SyncedSessions maps session ID to its last successful sync time.
	SyncedSessions map[string]time.Time `json:"syncedSessionIds"`
}

func newState() *State {
	return &State{
		SchemaVersion:  SchemaVersion,
		SyncedSessions: make(map[string]time.Time),
	}
}

// loadState reads the sync state document, falling back to an empty state
// on a missing, corrupt, or version-mismatched file.
func loadState(dataDir string) *State {
	st := newState()
	if !statedoc.Load(statePath(dataDir), SchemaVersion, st) {
		return newState()
	}
	if st.SyncedSessions == nil {
		st.SyncedSessions = make(map[string]time.Time)
	}
	return st
}

// saveState persists the sync state document.
func saveState(dataDir string, st *State) error {
	st.SchemaVersion = SchemaVersion
	return statedoc.Save(statePath(dataDir), st, 0600)
}

func statePath(dataDir string) string {
	return filepath.Join(dataDir, "sync_state.json")
}
