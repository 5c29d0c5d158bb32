package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Store wraps the single well-known journal file. Writes are
// temp-file-then-rename so a crash mid-save leaves either the old
// valid file or a completed new one, never a partial file.
//
// Contract: at most one in-flight Save at any moment; callers serialize
// through the orchestrator's single writer.
type Store struct {
	path string
	log  *logrus.Entry
}

// New creates a Store backed by the journal file at path. The parent
// directory must already exist (directory bootstrap is an external
// concern, per spec).
func New(path string, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{path: path, log: log.WithField("component", "state.store")}
}

// Load returns the persisted state, or nil if the file is absent or
// malformed. Malformed content is logged and treated as absent: a
// corrupt journal must not block the engine from recovering to idle.
func (s *Store) Load() (*PersistentState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file %s: %w", s.path, err)
	}

	var st PersistentState
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.WithError(err).Warn("state file is malformed, treating as absent")
		return nil, nil
	}
	return &st, nil
}

// Save atomically replaces the journal file with st.
func (s *Store) Save(st *PersistentState) error {
	dir := filepath.Dir(s.path)
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp state file into place: %w", err)
	}
	s.log.WithField("stage", st.Stage).Debug("state saved")
	return nil
}

// Clear removes the journal file. Idempotent.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing state file %s: %w", s.path, err)
	}
	return nil
}
