// Package statedoc loads and saves versioned JSON state documents.
//
// Every durable piece of agent bookkeeping (sync state, telemetry queue,
// credentials) is stored as a single JSON file carrying an explicit
// schemaVersion field. A document that is missing, unreadable, or written
// by a different schema version is discarded and the caller starts from its
// default empty state; there is no partial migration path.
package statedoc

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// versionProbe extracts only the schema version from a document.
type versionProbe struct {
	SchemaVersion int `json:"schemaVersion"`
}

// Load reads the document at path into v if it exists and carries the
// expected schema version. It returns true when v was populated. A missing
// file, unparseable JSON, or a version mismatch returns false; the mismatch
// and parse cases are logged since they mean stored state is being dropped.
func Load(path string, version int, v any) bool {
	data, err := os.ReadFile(path) // #nosec G304 - path is owned by the calling component
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[state] read %s: %v (resetting)", filepath.Base(path), err)
		}
		return false
	}

	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Printf("[state] parse %s: %v (resetting)", filepath.Base(path), err)
		return false
	}
	if probe.SchemaVersion != version {
		log.Printf("[state] %s schema version %d, want %d (resetting)",
			filepath.Base(path), probe.SchemaVersion, version)
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		log.Printf("[state] decode %s: %v (resetting)", filepath.Base(path), err)
		return false
	}
	return true
}

// Save writes v as indented JSON to path, creating the parent directory if
// needed. The full document is written in a single write.
func Save(path string, v any, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
