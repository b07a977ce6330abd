// Package bypass persists plan-bypass consumption across runs and applies
// bypass decisions under an exclusive file lock.
package bypass

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"buildloop/internal/policy"
	"buildloop/internal/taxonomy"
)

// StoreSchemaVersion is the budget file format version.
const StoreSchemaVersion = "1.0"

// Entry records one applied bypass.
type Entry struct {
	ID           string                `json:"id"`
	RunID        string                `json:"run_id"`
	AttemptID    int                   `json:"attempt_id"`
	FailureClass taxonomy.FailureClass `json:"failure_class"`
	RuleID       string                `json:"rule_id"`
	AppliedAt    string                `json:"applied_at"`
}

type storeFile struct {
	SchemaVersion string  `json:"schema_version"`
	Entries       []Entry `json:"entries"`
}

// Store is the on-disk bypass budget ledger. Callers serialize access
// through Guard; Store itself does no locking.
type Store struct {
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the budget file path.
func (s *Store) Path() string { return s.path }

// Load returns all recorded entries. A missing file is an empty store.
func (s *Store) Load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bypass budget: %w", err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("corrupt bypass budget %s: %w", s.path, err)
	}
	if f.SchemaVersion != StoreSchemaVersion {
		return nil, fmt.Errorf("bypass budget %s: unsupported schema %q", s.path, f.SchemaVersion)
	}
	return f.Entries, nil
}

// Usage sums entries from runs other than runID; the current run's usage
// is read from its own ledger.
func Usage(entries []Entry, runID string) policy.Usage {
	u := policy.Usage{PerClass: map[taxonomy.FailureClass]int{}}
	for _, e := range entries {
		if e.RunID == runID {
			continue
		}
		u.Global++
		u.PerClass[e.FailureClass]++
	}
	return u
}

// Append adds e and rewrites the file atomically.
func (s *Store) Append(e Entry) error {
	entries, err := s.Load()
	if err != nil {
		return err
	}
	f := storeFile{SchemaVersion: StoreSchemaVersion, Entries: append(entries, e)}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bypass budget: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create bypass dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
