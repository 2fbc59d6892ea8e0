// Package telemetry buffers discrete usage events and guarantees their
// eventual delivery to the remote service. Events survive process restarts
// through a versioned queue document; delivery copes with network failures
// and credential expiry without losing or duplicating data beyond the
// bounded retry policy.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a telemetry event.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventSessionEnd   EventType = "session_end"
	EventSessionSync  EventType = "session_sync"
	EventInteraction  EventType = "interaction"
	EventMetric       EventType = "metric"
	EventError        EventType = "error"
	EventAuth         EventType = "auth"
)

// Event is a single telemetry event. ID and Timestamp are assigned on
// enqueue; callers construct events without them.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`
	// Type classifies the event.
	Type EventType `json:"type"`
	// Timestamp is when the event was enqueued.
	Timestamp time.Time `json:"timestamp"`
	// SessionID links the event to a session (optional).
	SessionID string `json:"sessionId,omitempty"`
	// AgentType is the kind of agent that produced the event.
	AgentType string `json:"agentType,omitempty"`
	// AgentName is the specific agent instance (optional).
	AgentName string `json:"agentName,omitempty"`
	// APIProvider is the upstream model provider involved (optional).
	APIProvider string `json:"apiProvider,omitempty"`
	// Payload contains arbitrary event data.
	Payload map[string]any `json:"payload,omitempty"`
	// Tags is a set of free-form labels.
	Tags []string `json:"tags,omitempty"`
}

// QueuedEvent wraps an Event with its delivery bookkeeping.
type QueuedEvent struct {
	Event Event `json:"event"`
	// RetryCount is how many failed delivery attempts this event has seen.
	// It only grows until the event is delivered or dropped.
	RetryCount int `json:"retryCount"`
	// EnqueuedAt is when the event entered the queue.
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// ErrUnauthorized is the error a Sender must return (possibly wrapped)
// when the service rejects a batch as unauthorized. It triggers the
// single refresh-and-retry path in Flush.
var ErrUnauthorized = errors.New("unauthorized")

// Sender delivers a batch of events to the remote service.
// The remote client implements this.
type Sender interface {
	PostEvents(ctx context.Context, token string, events []Event) error
}

// TokenSource resolves a usable access token before delivery.
// credentials.Manager implements this.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// newEventID returns a fresh unique event identifier.
func newEventID() string {
	return uuid.New().String()
}
