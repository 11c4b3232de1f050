// Package store provides crash-safe session persistence using JSON files.
//
// The session file holds the day's counters and active cooldowns so a
// restart mid-session keeps the circuit breaker and frequency caps honest.
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"daytrader/pkg/types"
)

// SessionState is everything that must survive a restart within one
// trading day. SessionDate (YYYY-MM-DD, exchange-local) guards against
// restoring yesterday's counters into a fresh session.
type SessionState struct {
	SessionDate string                 `json:"session_date"`
	Counters    types.DailyCounters    `json:"counters"`
	Cooldowns   []types.CooldownRecord `json:"cooldowns"`
}

// Store persists session state to a JSON file in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) sessionPath() string {
	return filepath.Join(s.dir, "session.json")
}

// SaveSession atomically persists the session state. It writes to a .tmp
// file first, then renames over the target so the file is never left in a
// partial state.
func (s *Store) SaveSession(state SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := s.sessionPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSession restores session state from disk. Returns nil, nil when no
// saved session exists (fresh start) or when the saved session is for a
// different date — stale counters must never leak into a new day.
func (s *Store) LoadSession(sessionDate string) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.sessionPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if state.SessionDate != sessionDate {
		return nil, nil
	}
	return &state, nil
}
