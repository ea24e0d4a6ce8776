// Package persistence implements the bridge's crash-recovery store
// (spec.md §4.7, §6.6): a single JSON document holding every
// PersistedSession, written atomically (temp file + fsync + rename) and
// loaded once at boot. Grounded on go-opencode's internal/storage
// package, adapted from opencode's one-file-per-key layout to a single
// whole-map document, since the bridge only ever needs to enumerate and
// restore "every session live when the process last stopped" rather
// than opencode's broader key/value namespace.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgelog"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
)

// Store holds every PersistedSession in memory, backed by one JSON
// file. All access is serialized by mu; callers never see partial
// writes because Save always goes through a temp-file-then-rename.
type Store struct {
	path string
	log  *bridgelog.Logger

	mu       sync.Mutex
	sessions map[string]bridgetypes.PersistedSession
}

// Open loads path into memory, creating an empty document if path does
// not yet exist. path's parent directory is created if missing.
func Open(path string, log *bridgelog.Logger) (*Store, error) {
	if log == nil {
		log = bridgelog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory: %w", err)
	}

	s := &Store{
		path:     path,
		log:      log,
		sessions: make(map[string]bridgetypes.PersistedSession),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var doc map[string]bridgetypes.PersistedSession
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse persistence file %s: %w", path, err)
		}
		s.sessions = doc
	case os.IsNotExist(err):
		// First boot: nothing to restore.
	default:
		return nil, fmt.Errorf("failed to read persistence file: %w", err)
	}

	return s, nil
}

// All returns a snapshot of every persisted session, used at boot to
// drive restore_sessions_for_adapter for each Service Adapter.
func (s *Store) All() []bridgetypes.PersistedSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bridgetypes.PersistedSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Get returns the persisted record for one session, if any.
func (s *Store) Get(externalSessionID string) (bridgetypes.PersistedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[externalSessionID]
	return sess, ok
}

// Save upserts one session's record and flushes the whole document to
// disk. Called whenever an ActiveSession's acp_session_id or cwd
// changes (most importantly right after the ACP agent reports its own
// session id back from new_session/load_session), so a crash can never
// observe a record pointing at a session the agent never acknowledged.
func (s *Store) Save(sess bridgetypes.PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ExternalSessionID] = sess
	return s.flushLocked()
}

// Remove deletes one session's record (on clean session teardown) and
// flushes the whole document to disk.
func (s *Store) Remove(externalSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[externalSessionID]; !ok {
		return nil
	}
	delete(s.sessions, externalSessionID)
	return s.flushLocked()
}

// flushLocked writes the whole document to a temp file in the same
// directory, fsyncs it, then renames it over path. The same-directory
// temp file keeps the rename on one filesystem, so it's atomic even if
// the process is killed mid-write: readers only ever see the old file
// or the new one, never a half-written one.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal persistence document: %w", err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open temp persistence file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp persistence file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to fsync temp persistence file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp persistence file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename persistence file: %w", err)
	}
	return nil
}
