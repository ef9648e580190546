package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// StateStore persists ManagerState as a single JSON document.
//
// Nothing is cached between calls: every mutation is a locked read-modify-write of
// the file so that a CLI and a dashboard running side by side see each other's changes.
type StateStore struct {
	dir       string
	statePath string
	lockPath  string
	now       func() time.Time
}

// StateStoreOption is a functional option for StateStore
type StateStoreOption func(*StateStore)

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) StateStoreOption {
	return func(s *StateStore) {
		s.now = now
	}
}

// NewStateStore creates a store rooted at dir, creating the directory and an empty document on first use
func NewStateStore(dir string, opts ...StateStoreOption) (*StateStore, error) {
	if dir == "" {
		var err error
		dir, err = DefaultConfigDir()
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	s := &StateStore{
		dir:       dir,
		statePath: filepath.Join(dir, StateFileName),
		lockPath:  filepath.Join(dir, LockFileName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := os.Stat(s.statePath); errors.Is(err, os.ErrNotExist) {
		if err := s.Save(NewManagerState()); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Dir returns the directory holding the state document and ingress files
func (s *StateStore) Dir() string {
	return s.dir
}

// Path returns the state document path
func (s *StateStore) Path() string {
	return s.statePath
}

// ConfigPath returns the canonical ingress file path for a tunnel
func (s *StateStore) ConfigPath(tunnelName string) string {
	return filepath.Join(s.dir, ConfigFileName(tunnelName))
}

// Load reads the state document. A missing or unreadable document yields an empty state.
func (s *StateStore) Load() *ManagerState {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", s.statePath).Msg("state file unreadable, using empty state")
		}
		return NewManagerState()
	}

	state := NewManagerState()
	if err := json.Unmarshal(data, state); err != nil {
		log.Warn().Err(err).Str("path", s.statePath).Msg("state file corrupted, using empty state")
		return NewManagerState()
	}
	state.normalize()

	return state
}

// Save stamps LastUpdated and persists the state
func (s *StateStore) Save(state *ManagerState) error {
	lock, err := acquireLock(s.lockPath)
	if err != nil {
		return err
	}
	defer lock.release()

	return s.write(state)
}

// Mutate runs fn against freshly loaded state under the store lock and saves the
// result when fn reports a change
func (s *StateStore) Mutate(fn func(state *ManagerState) bool) error {
	lock, err := acquireLock(s.lockPath)
	if err != nil {
		return err
	}
	defer lock.release()

	state := s.Load()
	if !fn(state) {
		return nil
	}
	return s.write(state)
}

// Register creates the record if absent and makes it the current tunnel
func (s *StateStore) Register(name string) error {
	if name == "" {
		return fmt.Errorf("tunnel name is required")
	}
	return s.Mutate(func(state *ManagerState) bool {
		if _, exists := state.Tunnels[name]; !exists {
			state.Tunnels[name] = &TunnelRecord{
				Name:       name,
				CreatedAt:  s.now().UTC(),
				ConfigFile: s.ConfigPath(name),
				Routes:     []Route{},
				Status:     "unknown",
			}
		}
		state.CurrentTunnel = name
		return true
	})
}

// Update applies fn to an existing record. Unknown names are ignored.
func (s *StateStore) Update(name string, fn func(rec *TunnelRecord)) error {
	return s.Mutate(func(state *ManagerState) bool {
		rec, exists := state.Tunnels[name]
		if !exists {
			return false
		}
		fn(rec)
		return true
	})
}

// Unregister removes a record and clears the current pointer if it referenced it
func (s *StateStore) Unregister(name string) error {
	return s.Mutate(func(state *ManagerState) bool {
		if _, exists := state.Tunnels[name]; !exists {
			return false
		}
		delete(state.Tunnels, name)
		if state.CurrentTunnel == name {
			state.CurrentTunnel = ""
		}
		return true
	})
}

// Get returns a copy of the named record
func (s *StateStore) Get(name string) (*TunnelRecord, bool) {
	rec, exists := s.Load().Tunnels[name]
	if !exists {
		return nil, false
	}
	return rec.Clone(), true
}

// Current returns the current tunnel name, or "" when none is selected
func (s *StateStore) Current() string {
	return s.Load().CurrentTunnel
}

// SetCurrent selects an existing record as the current tunnel and reports whether it exists
func (s *StateStore) SetCurrent(name string) (bool, error) {
	found := false
	err := s.Mutate(func(state *ManagerState) bool {
		if _, found = state.Tunnels[name]; !found {
			return false
		}
		state.CurrentTunnel = name
		return true
	})
	return found, err
}

// Touch records an access timestamp on the named record
func (s *StateStore) Touch(name string) error {
	now := s.now().UTC()
	return s.Update(name, func(rec *TunnelRecord) {
		rec.LastAccessed = &now
	})
}

// write persists state without taking the lock
func (s *StateStore) write(state *ManagerState) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	state.normalize()
	state.LastUpdated = s.now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	return writeFileAtomic(s.statePath, data, 0600)
}
