// Package credentials manages the access/refresh token pair the agent uses
// against the remote service. The pair is persisted as a versioned state
// document; a token is never handed out at or past its expiry, and a
// refresh is attempted proactively once inside the expiry buffer.
package credentials

import (
	"time"
)

// SchemaVersion is the credential document schema. A stored document with a
// different version is discarded on load.
const SchemaVersion = 1

// RefreshBuffer is how long before expiry a refresh is attempted.
const RefreshBuffer = 5 * time.Minute

// Set holds one issued credential pair.
type Set struct {
	// AccessToken is the bearer token for API calls.
	AccessToken string `json:"accessToken"`
	// RefreshToken exchanges for a new pair when the access token expires.
	RefreshToken string `json:"refreshToken"`
	// ExpiresAt is the access token expiry (epoch seconds).
	ExpiresAt int64 `json:"expiresAt"`
	// IssuedAt is when the pair was issued (epoch seconds).
	IssuedAt int64 `json:"issuedAt"`
	// TokenType is the token scheme (normally "Bearer").
	TokenType string `json:"tokenType"`
	// Owner identifies the account the pair belongs to.
	Owner string `json:"owner,omitempty"`
}

// Valid reports whether the access token is usable at the given time.
func (s *Set) Valid(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return now.Unix() < s.ExpiresAt
}

// NeedsRefresh reports whether the pair is inside the expiry buffer and
// should be exchanged before the next network call.
func (s *Set) NeedsRefresh(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return true
	}
	return now.Unix() >= s.ExpiresAt-int64(RefreshBuffer.Seconds())
}
