// Package state provides StateStore implementations for scrapequota.
//
// FileStore persists the quota snapshot as a single JSON file, the format
// consumed by the reporting surfaces. Redis- and PostgreSQL-backed stores
// for multi-instance deployments live in the state/redis and
// state/postgres submodules.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/karooworks/scrapequota"
)

// FileStore is a JSON-file-backed StateStore.
type FileStore struct {
	path string
}

var _ scrapequota.StateStore = (*FileStore)(nil)

// NewFileStore creates a FileStore persisting to the given path. Parent
// directories are created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted snapshot. A missing file maps to ErrStateStale
// and unreadable JSON to ErrStateCorrupt, both of which the manager treats
// as "start from zero".
func (s *FileStore) Load(_ context.Context) (scrapequota.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return scrapequota.Snapshot{}, &scrapequota.StateError{
			Op: "load", Path: s.path, Err: scrapequota.ErrStateStale,
		}
	}
	if err != nil {
		return scrapequota.Snapshot{}, &scrapequota.StateError{Op: "load", Path: s.path, Err: err}
	}

	var snap scrapequota.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return scrapequota.Snapshot{}, &scrapequota.StateError{
			Op: "load", Path: s.path,
			Err: fmt.Errorf("%w: %v", scrapequota.ErrStateCorrupt, err),
		}
	}
	return snap, nil
}

// Save writes the snapshot atomically: marshal to a temp file in the same
// directory, then rename over the target.
func (s *FileStore) Save(_ context.Context, snap scrapequota.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &scrapequota.StateError{Op: "save", Path: s.path, Err: err}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &scrapequota.StateError{Op: "save", Path: s.path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".quota-state-*")
	if err != nil {
		return &scrapequota.StateError{Op: "save", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &scrapequota.StateError{Op: "save", Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &scrapequota.StateError{Op: "save", Path: s.path, Err: err}
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &scrapequota.StateError{Op: "save", Path: s.path, Err: err}
	}
	return nil
}
