package credentials

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrNotAuthenticated is returned when no usable credential is available.
// Callers treat this as the normal unauthenticated path, not a failure.
var ErrNotAuthenticated = errors.New("not authenticated")

// Refresher exchanges a refresh token for a new credential pair.
// The remote client implements this.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*Set, error)
}

// Manager resolves a usable access token for network calls, refreshing and
// persisting the pair as needed. Manager is safe for concurrent use.
type Manager struct {
	store     *Store
	refresher Refresher

	mu  sync.Mutex
	set *Set

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewManager creates a credential manager. refresher may be nil, in which
// case expired credentials cannot be renewed.
func NewManager(store *Store, refresher Refresher) *Manager {
	return &Manager{
		store:     store,
		refresher: refresher,
		set:       store.Load(),
		now:       time.Now,
	}
}

// IsAuthenticated reports whether a non-expired access token is held.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set.Valid(m.now())
}

// Owner returns the account identity of the stored pair, if any.
func (m *Manager) Owner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.set == nil {
		return ""
	}
	return m.set.Owner
}

// Token resolves a usable access token. Inside the expiry buffer it
// attempts one refresh first; a failed refresh degrades to
// ErrNotAuthenticated rather than handing out a token about to lapse.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.set.Valid(now) && !m.set.NeedsRefresh(now) {
		return m.set.AccessToken, nil
	}

	if err := m.refreshLocked(ctx); err != nil {
		return "", ErrNotAuthenticated
	}
	return m.set.AccessToken, nil
}

// Refresh forces a token exchange regardless of expiry. The telemetry
// queue uses this on an unauthorized response.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

// SetCredentials installs and persists a new credential pair (e.g. from an
// interactive login performed outside this process).
func (m *Manager) SetCredentials(set *Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Save(set); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	m.set = set
	return nil
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	if m.refresher == nil {
		return ErrNotAuthenticated
	}
	if m.set == nil || m.set.RefreshToken == "" {
		return ErrNotAuthenticated
	}

	renewed, err := m.refresher.RefreshToken(ctx, m.set.RefreshToken)
	if err != nil {
		log.Printf("[auth] token refresh failed: %v", err)
		return fmt.Errorf("refresh token: %w", err)
	}

	if err := m.store.Save(renewed); err != nil {
		// The new pair is still usable this process lifetime.
		log.Printf("[auth] persist refreshed credentials: %v", err)
	}
	m.set = renewed
	return nil
}
