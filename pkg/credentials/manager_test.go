package credentials

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeRefresher struct {
	calls int
	set   *Set
	err   error
}

func (f *fakeRefresher) RefreshToken(ctx context.Context, refreshToken string) (*Set, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.set, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func validSet(now time.Time) *Set {
	return &Set{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(time.Hour).Unix(),
		TokenType:    "Bearer",
		Owner:        "user@example.com",
	}
}

func newTestManager(t *testing.T, set *Set, r Refresher) *Manager {
	t.Helper()

	store := NewStore(t.TempDir())
	if set != nil {
		if err := store.Save(set); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	m := NewManager(store, r)
	m.now = fixedNow
	return m
}

func TestTokenValidCredential(t *testing.T) {
	r := &fakeRefresher{}
	m := newTestManager(t, validSet(fixedNow()), r)

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "access-1" {
		t.Errorf("Token() = %q, want access-1", token)
	}
	if r.calls != 0 {
		t.Errorf("refresh calls = %d, want 0", r.calls)
	}
	if !m.IsAuthenticated() {
		t.Error("IsAuthenticated() = false, want true")
	}
}

func TestTokenRefreshesInsideBuffer(t *testing.T) {
	now := fixedNow()
	soon := validSet(now)
	soon.ExpiresAt = now.Add(2 * time.Minute).Unix() // inside the 5m buffer

	renewed := validSet(now)
	renewed.AccessToken = "access-2"
	r := &fakeRefresher{set: renewed}

	m := newTestManager(t, soon, r)

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "access-2" {
		t.Errorf("Token() = %q, want refreshed access-2", token)
	}
	if r.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", r.calls)
	}

	// Refreshed pair was persisted.
	if stored := m.store.Load(); stored == nil || stored.AccessToken != "access-2" {
		t.Errorf("stored credentials = %+v, want refreshed pair", stored)
	}
}

func TestTokenRefreshFailure(t *testing.T) {
	now := fixedNow()
	expired := validSet(now)
	expired.ExpiresAt = now.Add(-time.Minute).Unix()

	r := &fakeRefresher{err: errors.New("service unavailable")}
	m := newTestManager(t, expired, r)

	if _, err := m.Token(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Token() error = %v, want %v", err, ErrNotAuthenticated)
	}
	if m.IsAuthenticated() {
		t.Error("IsAuthenticated() = true for expired pair, want false")
	}
}

func TestTokenNoCredentials(t *testing.T) {
	m := newTestManager(t, nil, &fakeRefresher{})

	if _, err := m.Token(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Token() error = %v, want %v", err, ErrNotAuthenticated)
	}
}

func TestForcedRefresh(t *testing.T) {
	now := fixedNow()
	renewed := validSet(now)
	renewed.AccessToken = "access-2"
	r := &fakeRefresher{set: renewed}

	m := newTestManager(t, validSet(now), r)

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if r.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", r.calls)
	}

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token != "access-2" {
		t.Errorf("Token() = %q, want access-2 after forced refresh", token)
	}
}

func TestSetCredentialsInstallsAndPersists(t *testing.T) {
	m := newTestManager(t, nil, &fakeRefresher{})

	if err := m.SetCredentials(validSet(fixedNow())); err != nil {
		t.Fatalf("SetCredentials() error = %v", err)
	}
	if !m.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after SetCredentials")
	}
	if m.Owner() != "user@example.com" {
		t.Errorf("Owner() = %q, want user@example.com", m.Owner())
	}

	// The pair is durable: a fresh manager over the same store sees it.
	refreshed := NewManager(m.store, nil)
	refreshed.now = fixedNow
	if !refreshed.IsAuthenticated() {
		t.Error("IsAuthenticated() = false after reload")
	}

	if err := m.store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if set := m.store.Load(); set != nil {
		t.Errorf("Load() after Clear = %+v, want nil", set)
	}
}

func TestNeedsRefreshBoundary(t *testing.T) {
	now := fixedNow()

	tests := []struct {
		name      string
		expiresIn time.Duration
		want      bool
	}{
		{"well before buffer", time.Hour, false},
		{"exactly at buffer", 5 * time.Minute, true},
		{"inside buffer", time.Minute, true},
		{"expired", -time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := validSet(now)
			set.ExpiresAt = now.Add(tt.expiresIn).Unix()
			if got := set.NeedsRefresh(now); got != tt.want {
				t.Errorf("NeedsRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}
