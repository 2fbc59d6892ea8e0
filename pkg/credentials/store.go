package credentials

import (
	"path/filepath"
	"sync"

	"github.com/harborlog/harborlog/internal/statedoc"
)

// storedSet is the on-disk shape of the credential document.
type storedSet struct {
	SchemaVersion int  `json:"schemaVersion"`
	Credentials   *Set `json:"credentials"`
}

// Store persists a credential set at <dataDir>/credentials.json.
// A missing, unreadable, or version-mismatched document loads as no
// credentials rather than an error.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a credential store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "credentials.json")}
}

// Load reads the stored credential set. Returns nil when none is stored.
func (s *Store) Load() *Set {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc storedSet
	if !statedoc.Load(s.path, SchemaVersion, &doc) {
		return nil
	}
	return doc.Credentials
}

// Save persists the credential set. Tokens are secrets, so the file is
// written owner-readable only.
func (s *Store) Save(set *Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return statedoc.Save(s.path, storedSet{
		SchemaVersion: SchemaVersion,
		Credentials:   set,
	}, 0600)
}

// Clear removes any stored credentials.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return statedoc.Save(s.path, storedSet{SchemaVersion: SchemaVersion}, 0600)
}
