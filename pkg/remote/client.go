// Package remote is the HTTP binding to the sync service. It covers the
// session listing/transfer endpoints, telemetry batch delivery, and the
// token refresh endpoint. All request bodies and responses are JSON.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/harborlog/harborlog/pkg/credentials"
	"github.com/harborlog/harborlog/pkg/observability"
	"github.com/harborlog/harborlog/pkg/session"
	"github.com/harborlog/harborlog/pkg/telemetry"
)

// defaultTimeout bounds every individual remote call. A timed-out call is
// indistinguishable from a network failure to callers.
const defaultTimeout = 30 * time.Second

// Config configures the remote client.
type Config struct {
	// BaseURL is the root of the sync service API.
	BaseURL string
	// AuthURL is the root of the auth service. Defaults to BaseURL.
	AuthURL string
	// DeviceID identifies this device in upload metadata.
	DeviceID string
	// AgentVersion is reported in upload metadata.
	AgentVersion string
	// RequestsPerSecond caps outbound call rate (default 5, burst 10).
	RequestsPerSecond float64
	// Timeout overrides the per-call timeout.
	Timeout time.Duration
}

// Client is a thin HTTP client for the sync service.
// Methods take the bearer token explicitly; credential resolution belongs
// to the callers.
type Client struct {
	baseURL      string
	authURL      string
	deviceID     string
	agentVersion string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

// NewClient creates a remote client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = parsed.String()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &Client{
		baseURL:      parsed.String(),
		authURL:      authURL,
		deviceID:     cfg.DeviceID,
		agentVersion: cfg.AgentVersion,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), 10),
	}, nil
}

// listResponse is the wire shape of GET /sessions.
type listResponse struct {
	Sessions []session.RemoteSummary `json:"sessions"`
}

// ListSessions fetches the remote session listing.
func (c *Client) ListSessions(ctx context.Context, token string) ([]session.RemoteSummary, error) {
	var out listResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/sessions", token, nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out.Sessions, nil
}

// getResponse is the wire shape of GET /sessions/{id}.
type getResponse struct {
	Session *session.Record `json:"session"`
}

// GetSession fetches one full session record.
func (c *Client) GetSession(ctx context.Context, token, id string) (*session.Record, error) {
	var out getResponse
	u := c.baseURL + "/sessions/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, u, token, nil, &out); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if out.Session == nil {
		return nil, fmt.Errorf("get session %s: empty response", id)
	}
	return out.Session, nil
}

// pushRequest is the wire shape of POST /sessions.
type pushRequest struct {
	*session.Record
	DeviceID     string `json:"deviceId,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
}

// PushSession creates or replaces a session record on the service.
func (c *Client) PushSession(ctx context.Context, token string, rec *session.Record) error {
	body := pushRequest{
		Record:       rec,
		DeviceID:     c.deviceID,
		AgentVersion: c.agentVersion,
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/sessions", token, body, nil); err != nil {
		return fmt.Errorf("push session %s: %w", rec.ID, err)
	}
	return nil
}

// eventsRequest is the wire shape of POST /telemetry.
type eventsRequest struct {
	Events []telemetry.Event `json:"events"`
}

// PostEvents delivers a telemetry batch. A 401 response is reported as
// telemetry.ErrUnauthorized so the queue can run its auth-retry path.
func (c *Client) PostEvents(ctx context.Context, token string, events []telemetry.Event) error {
	err := c.do(ctx, http.MethodPost, c.baseURL+"/telemetry", token, eventsRequest{Events: events}, nil)
	if err != nil {
		return fmt.Errorf("post events: %w", err)
	}
	return nil
}

// refreshRequest is the wire shape of POST /auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// refreshResponse is the wire shape of a successful token exchange.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	IssuedAt     int64  `json:"issued_at"`
	TokenType    string `json:"token_type"`
	Owner        string `json:"owner"`
}

// RefreshToken exchanges a refresh token for a new credential pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*credentials.Set, error) {
	var out refreshResponse
	err := c.do(ctx, http.MethodPost, c.authURL+"/auth/refresh", "", refreshRequest{RefreshToken: refreshToken}, &out)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	set := &credentials.Set{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    out.ExpiresAt,
		IssuedAt:     out.IssuedAt,
		TokenType:    out.TokenType,
		Owner:        out.Owner,
	}
	if set.TokenType == "" {
		set.TokenType = "Bearer"
	}
	return set, nil
}

// Ping probes the service's health endpoint without authentication.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.baseURL+"/health", "", nil, nil)
}

// do executes one JSON request. A non-2xx status is an error carrying the
// status code and a snippet of the body; 401 wraps telemetry.ErrUnauthorized.
func (c *Client) do(ctx context.Context, method, rawURL, token string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	endpoint := endpointLabel(method, rawURL)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RecordRemoteRequest(endpoint, "network_error", time.Since(start))
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	observability.RecordRemoteRequest(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("status 401: %w", telemetry.ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// endpointLabel reduces a request to a low-cardinality metric label.
func endpointLabel(method, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return method
	}
	path := u.Path
	switch {
	case path == "/sessions" || path == "/telemetry" || path == "/auth/refresh" || path == "/health":
		return method + " " + path
	default:
		return method + " /sessions/{id}"
	}
}
