package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore implements Store using JSON files.
// Storage layout:
//
//	<dataDir>/sessions/
//	  ├── current/<session-id>.json    # in-progress records
//	  └── archive/<session-id>.json    # completed / downloaded records
//
// A session ID appearing in both directories is one logical session: the
// in-progress copy is authoritative for Load, the archive path is the
// target for Save.
type FileStore struct {
	currentDir string
	archiveDir string
	mu         sync.RWMutex
	closed     bool
}

// NewFileStore creates a file-based record store rooted at baseDir.
// If baseDir is empty, uses ~/.harborlog/sessions.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".harborlog", "sessions")
	}

	currentDir := filepath.Join(baseDir, "current")
	archiveDir := filepath.Join(baseDir, "archive")
	for _, dir := range []string{currentDir, archiveDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create sessions directory: %w", err)
		}
	}

	return &FileStore{
		currentDir: currentDir,
		archiveDir: archiveDir,
	}, nil
}

// List enumerates every stored session as a summary. The modification time
// of a session present in both directories is the later of the two files.
func (s *FileStore) List(ctx context.Context) ([]LocalSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	byID := make(map[string]LocalSummary)
	for _, dir := range []string{s.archiveDir, s.currentDir} {
		if err := s.scanDir(dir, byID); err != nil {
			return nil, err
		}
	}

	summaries := make([]LocalSummary, 0, len(byID))
	for _, sum := range byID {
		summaries = append(summaries, sum)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID < summaries[j].ID
	})

	return summaries, nil
}

// scanDir merges summaries for every record file in dir into byID. For a
// session seen in both directories, the later-modified copy supplies the
// whole summary; timestamp and entry count always describe the same file.
func (s *FileStore) scanDir(dir string, byID map[string]LocalSummary) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read sessions directory: %w", err)
	}

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(ent.Name(), ".json")

		info, err := ent.Info()
		if err != nil {
			continue
		}

		rec, err := readRecord(filepath.Join(dir, ent.Name()))
		if err != nil {
			// A record that doesn't parse is skipped, not fatal.
			continue
		}

		sum := LocalSummary{
			ID:         id,
			ModifiedAt: info.ModTime().UTC(),
			EntryCount: len(rec.Entries),
		}
		if prev, ok := byID[id]; ok && prev.ModifiedAt.After(sum.ModifiedAt) {
			sum = prev
		}
		byID[id] = sum
	}

	return nil
}

// Load retrieves a record by ID, preferring the in-progress copy.
func (s *FileStore) Load(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := validateRecordID(id); err != nil {
		return nil, err
	}

	for _, dir := range []string{s.currentDir, s.archiveDir} {
		rec, err := readRecord(filepath.Join(dir, id+".json"))
		if err == nil {
			return rec, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load record %s: %w", id, err)
		}
	}

	return nil, ErrRecordNotFound
}

// Save creates or overwrites the archived copy of a record.
func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := validateRecordID(rec.ID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	path := filepath.Join(s.archiveDir, rec.ID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	return nil
}

// Delete removes both copies of a session record.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := validateRecordID(id); err != nil {
		return err
	}

	found := false
	for _, dir := range []string{s.currentDir, s.archiveDir} {
		err := os.Remove(filepath.Join(dir, id+".json"))
		if err == nil {
			found = true
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("delete record %s: %w", id, err)
		}
	}
	if !found {
		return ErrRecordNotFound
	}

	return nil
}

// Close releases any resources held by the store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// SetModTime overrides the stored modification time of the archived copy.
func (s *FileStore) SetModTime(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := validateRecordID(id); err != nil {
		return err
	}

	path := filepath.Join(s.archiveDir, id+".json")
	return os.Chtimes(path, t, t)
}

// readRecord reads and parses one record file.
func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path) // #nosec G304 - record IDs validated to prevent traversal
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	return &rec, nil
}

// WriteCurrent writes the in-progress copy of a record. The agent process
// recording a live session uses this path; the syncer only reads it.
func (s *FileStore) WriteCurrent(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := validateRecordID(rec.ID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	path := filepath.Join(s.currentDir, rec.ID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	return nil
}
