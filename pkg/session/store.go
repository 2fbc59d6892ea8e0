package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors for record store operations.
var (
	// ErrRecordNotFound is returned when a session record doesn't exist.
	ErrRecordNotFound = errors.New("session record not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("record store is closed")
	// ErrInvalidRecordID is returned when a session ID contains unsafe characters.
	ErrInvalidRecordID = errors.New("invalid session ID: contains path separator or traversal sequence")
)

// Store abstracts local persistence of session records.
// Implementations must be safe for concurrent use.
type Store interface {
	// List enumerates every stored session as a summary.
	// A session present both in-progress and archived yields one summary.
	List(ctx context.Context) ([]LocalSummary, error)

	// Load retrieves a full session record by ID. When a session exists
	// both in-progress and archived, the in-progress copy wins.
	// Returns ErrRecordNotFound if the session doesn't exist.
	Load(ctx context.Context, id string) (*Record, error)

	// Save creates or overwrites the archived copy of a record.
	Save(ctx context.Context, rec *Record) error

	// Delete removes a session record.
	Delete(ctx context.Context, id string) error

	// SetModTime overrides the stored modification time of a record.
	// Used after a download so the next sync cycle compares against the
	// service-side modification time instead of the write time.
	SetModTime(ctx context.Context, id string, t time.Time) error

	// Close releases any resources held by the store.
	Close() error
}

// validateRecordID checks that a session ID is safe to use as a path
// component or storage key.
func validateRecordID(id string) error {
	if id == "" {
		return errors.New("session ID cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return ErrInvalidRecordID
	}
	return nil
}
