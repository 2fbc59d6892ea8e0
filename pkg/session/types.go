// Package session defines session records and the local record store.
// A session is a recorded unit of agent activity: a start time, a status,
// the set of participating agents, and an ordered list of interaction
// entries. Records live on local disk and are reconciled against the
// remote service by the syncer package.
package session

import (
	"time"
)

// Status describes the lifecycle state of a session.
type Status string

const (
	// StatusActive marks a session that is still receiving entries.
	StatusActive Status = "active"
	// StatusCompleted marks a session that ended normally.
	StatusCompleted Status = "completed"
	// StatusError marks a session that ended with a failure.
	StatusError Status = "error"
)

// Entry is a single interaction within a session.
// Entries are append-only and immutable once written.
type Entry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`
	// Timestamp is when the entry was created.
	Timestamp time.Time `json:"timestamp"`
	// Type indicates what kind of interaction this is (prompt, response, tool call).
	Type string `json:"type"`
	// AgentName is the agent that produced the entry (optional).
	AgentName string `json:"agentName,omitempty"`
	// Data contains the entry payload.
	Data map[string]any `json:"data"`
}

// Record is the full session payload exchanged with the remote service.
type Record struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// StartTime is when the session began.
	StartTime time.Time `json:"startTime"`
	// EndTime is when the session ended (nil while active).
	EndTime *time.Time `json:"endTime,omitempty"`
	// Status is the session lifecycle state.
	Status Status `json:"status"`
	// Agents is the set of agents that participated.
	Agents []string `json:"agents"`
	// Entries is the ordered interaction history.
	Entries []Entry `json:"entries"`
}

// LocalSummary describes a session as stored on local disk.
// Summaries are derived by scanning storage and are never persisted;
// each sync cycle recomputes them.
type LocalSummary struct {
	// ID is the session identifier.
	ID string `json:"id"`
	// ModifiedAt is the local modification time of the record.
	ModifiedAt time.Time `json:"modifiedAt"`
	// EntryCount is the number of entries in the record.
	EntryCount int `json:"entryCount"`
}

// RemoteSummary describes a session as listed by the remote service.
type RemoteSummary struct {
	// ID is the session identifier.
	ID string `json:"id"`
	// OwnerID identifies the account that owns the session.
	OwnerID string `json:"ownerId"`
	// StartTime is when the session began.
	StartTime time.Time `json:"startTime"`
	// EndTime is when the session ended (nil while active).
	EndTime *time.Time `json:"endTime,omitempty"`
	// Status is the session lifecycle state.
	Status Status `json:"status"`
	// Agents is the set of agents that participated.
	Agents []string `json:"agents"`
	// EntryCount is the number of entries the service holds.
	EntryCount int `json:"entryCount"`
	// LastModified is the service-side modification time.
	LastModified time.Time `json:"lastModified"`
}
