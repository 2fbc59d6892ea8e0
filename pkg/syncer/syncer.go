// Package syncer reconciles locally stored session records with the remote
// service. Each cycle diffs the two listings, classifies every session as
// upload, download, or conflict, resolves conflicts last-write-wins, and
// transfers a bounded batch in each direction. All failures are collected
// into the cycle result; a sync never panics or aborts the process.
package syncer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/harborlog/harborlog/pkg/observability"
	"github.com/harborlog/harborlog/pkg/session"
)

// DefaultMaxSessionsPerSync caps uploads and downloads per cycle,
// independently of each other.
const DefaultMaxSessionsPerSync = 10

// RemoteAPI is the slice of the remote client the synchronizer needs.
type RemoteAPI interface {
	ListSessions(ctx context.Context, token string) ([]session.RemoteSummary, error)
	GetSession(ctx context.Context, token, id string) (*session.Record, error)
	PushSession(ctx context.Context, token string, rec *session.Record) error
}

// TokenSource resolves a usable access token before network calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Result describes one sync cycle. Sync never returns an error; every
// failure is captured here.
type Result struct {
	// Uploaded is the number of sessions pushed to the service.
	Uploaded int `json:"uploaded"`
	// Downloaded is the number of sessions fetched from the service.
	Downloaded int `json:"downloaded"`
	// Conflicts is the number of sessions modified on both sides since
	// their last sync, regardless of which direction won.
	Conflicts int `json:"conflicts"`
	// Errors lists everything that went wrong, one message per failure.
	Errors []string `json:"errors,omitempty"`
	// LastSyncTime is when this cycle (or, for a rejected call, the
	// previous cycle) completed.
	LastSyncTime time.Time `json:"lastSyncTime"`
}

// Synchronizer reconciles the local record store against the remote
// service. A single Synchronizer allows one in-flight cycle at a time;
// concurrent calls are rejected, not queued.
type Synchronizer struct {
	store   session.Store
	remote  RemoteAPI
	tokens  TokenSource
	dataDir string
	maxPer  int

	inFlight atomic.Bool
	state    *State

	// now is injectable for deterministic tests.
	now func() time.Time
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithMaxSessionsPerSync overrides the per-cycle transfer cap.
func WithMaxSessionsPerSync(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.maxPer = n
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// New creates a Synchronizer. Persisted sync state under dataDir is loaded
// immediately; a corrupt or version-mismatched state file resets to empty.
func New(store session.Store, remote RemoteAPI, tokens TokenSource, dataDir string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:   store,
		remote:  remote,
		tokens:  tokens,
		dataDir: dataDir,
		maxPer:  DefaultMaxSessionsPerSync,
		state:   loadState(dataDir),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LastSyncTime reports when the last cycle completed.
func (s *Synchronizer) LastSyncTime() time.Time {
	return s.state.LastSyncTime
}

// PendingCount reports how many uploads are deferred to future cycles.
func (s *Synchronizer) PendingCount() int {
	return len(s.state.PendingSessionIDs)
}

// plan is the classification outcome for one cycle.
type plan struct {
	uploads   []string
	downloads []string
	conflicts map[string]bool
}

// Sync runs one reconciliation cycle. force uploads every local session
// regardless of timestamps. Sync never returns an error; the Result
// carries all failures.
func (s *Synchronizer) Sync(ctx context.Context, force bool) Result {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Result{
			Errors:       []string{"sync already in progress"},
			LastSyncTime: s.state.LastSyncTime,
		}
	}
	defer s.inFlight.Store(false)

	start := s.now()
	res := Result{LastSyncTime: s.state.LastSyncTime}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		res.Errors = append(res.Errors, "not authenticated")
		return res
	}

	local, remote := s.listBothSides(ctx, token, &res)
	p := s.classify(local, remote, force)

	uploads, downloads, pending := s.truncate(p)
	now := s.now()

	for _, id := range uploads {
		if err := s.uploadOne(ctx, token, id); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("upload %s: %v", id, err))
			continue
		}
		s.state.SyncedSessions[id] = now
		res.Uploaded++
	}

	for _, id := range downloads {
		if err := s.downloadOne(ctx, token, id, remote[id]); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("download %s: %v", id, err))
			continue
		}
		s.state.SyncedSessions[id] = now
		res.Downloaded++
	}

	res.Conflicts = len(p.conflicts)
	res.LastSyncTime = now

	s.state.LastSyncTime = now
	s.state.PendingSessionIDs = pending
	if err := saveState(s.dataDir, s.state); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("persist sync state: %v", err))
	}

	observability.RecordSyncCycle(res.Uploaded, res.Downloaded, res.Conflicts, len(res.Errors), s.now().Sub(start))
	log.Printf("[sync] uploaded=%d downloaded=%d conflicts=%d errors=%d pending=%d",
		res.Uploaded, res.Downloaded, res.Conflicts, len(res.Errors), len(pending))

	return res
}

// listBothSides enumerates local and remote sessions. A read failure on
// either side degrades to an empty listing plus an error entry; the cycle
// proceeds with whatever it could see.
func (s *Synchronizer) listBothSides(ctx context.Context, token string, res *Result) (map[string]session.LocalSummary, map[string]session.RemoteSummary) {
	local := make(map[string]session.LocalSummary)
	if summaries, err := s.store.List(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("list local sessions: %v", err))
	} else {
		for _, sum := range summaries {
			local[sum.ID] = sum
		}
	}

	remote := make(map[string]session.RemoteSummary)
	if summaries, err := s.remote.ListSessions(ctx, token); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("list remote sessions: %v", err))
	} else {
		for _, sum := range summaries {
			remote[sum.ID] = sum
		}
	}

	return local, remote
}

// classify sorts every session id present on either side into the upload,
// download, and conflict sets.
//
// A session changed on both sides since its last sync is a conflict and is
// resolved last-write-wins; a timestamp tie favors upload. The download
// branch for a remotely-changed session additionally requires the remote
// entry count to exceed the local one, as an approximation for "the
// service holds more data".
func (s *Synchronizer) classify(local map[string]session.LocalSummary, remote map[string]session.RemoteSummary, force bool) plan {
	p := plan{conflicts: make(map[string]bool)}

	ids := make(map[string]bool, len(local)+len(remote))
	for id := range local {
		ids[id] = true
	}
	for id := range remote {
		ids[id] = true
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		loc, hasLocal := local[id]
		rem, hasRemote := remote[id]

		switch {
		case hasLocal && !hasRemote:
			p.uploads = append(p.uploads, id)
		case hasLocal && force:
			p.uploads = append(p.uploads, id)
		case !hasLocal:
			p.downloads = append(p.downloads, id)
		default:
			lastSynced := s.state.SyncedSessions[id] // zero time when never synced
			localChanged := loc.ModifiedAt.After(lastSynced)
			remoteChanged := rem.LastModified.After(lastSynced)

			switch {
			case localChanged && remoteChanged:
				p.conflicts[id] = true
				if !loc.ModifiedAt.Before(rem.LastModified) {
					p.uploads = append(p.uploads, id)
				} else {
					p.downloads = append(p.downloads, id)
				}
			case localChanged:
				p.uploads = append(p.uploads, id)
			case remoteChanged && rem.EntryCount > loc.EntryCount:
				p.downloads = append(p.downloads, id)
			}
		}
	}

	return p
}

// truncate applies the per-cycle caps. Deferred uploads from earlier
// cycles drain first; uploads beyond the cap carry over as pending,
// downloads beyond the cap are simply re-evaluated next cycle.
func (s *Synchronizer) truncate(p plan) (uploads, downloads, pending []string) {
	downloadSet := make(map[string]bool, len(p.downloads))
	for _, id := range p.downloads {
		downloadSet[id] = true
	}

	uploads = make([]string, 0, len(s.state.PendingSessionIDs)+len(p.uploads))
	seen := make(map[string]bool)
	for _, id := range s.state.PendingSessionIDs {
		// A session classified as a download this cycle got superseded on
		// the service side; the deferred upload is obsolete.
		if !seen[id] && !downloadSet[id] {
			seen[id] = true
			uploads = append(uploads, id)
		}
	}
	for _, id := range p.uploads {
		if !seen[id] {
			seen[id] = true
			uploads = append(uploads, id)
		}
	}

	if len(uploads) > s.maxPer {
		pending = uploads[s.maxPer:]
		uploads = uploads[:s.maxPer]
	}

	downloads = p.downloads
	if len(downloads) > s.maxPer {
		downloads = downloads[:s.maxPer]
	}

	return uploads, downloads, pending
}

// uploadOne pushes one full record to the service. The in-progress copy of
// a session takes precedence over an archived copy with the same id.
func (s *Synchronizer) uploadOne(ctx context.Context, token, id string) error {
	rec, err := s.store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	if err := s.remote.PushSession(ctx, token, rec); err != nil {
		return err
	}
	return nil
}

// downloadOne fetches one full record and persists it as the archived
// copy, stamped with the service-side modification time.
func (s *Synchronizer) downloadOne(ctx context.Context, token, id string, sum session.RemoteSummary) error {
	rec, err := s.remote.GetSession(ctx, token, id)
	if err != nil {
		return err
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	if !sum.LastModified.IsZero() {
		if err := s.store.SetModTime(ctx, id, sum.LastModified); err != nil {
			// Classification self-corrects next cycle; worst case the
			// record is re-downloaded once.
			log.Printf("[sync] set mod time %s: %v", id, err)
		}
	}
	return nil
}
