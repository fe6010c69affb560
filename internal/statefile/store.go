package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store reads and writes the state document at a fixed path. There is a
// single writer (the loop process), so no locking beyond the atomic replace
// is needed.
type Store struct {
	path string
}

// NewStore creates a Store for the state file inside dir.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, "state.json")}
}

// Path returns the on-disk location of the state file.
func (st *Store) Path() string {
	return st.path
}

// Load reads the current state. A missing file yields an empty document; an
// unreadable document is treated the same way, matching first-run behavior,
// so a corrupt file never wedges the loop.
func (st *Store) Load() (*State, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return &State{}, nil
	}
	return &state, nil
}

// Save persists the state atomically: marshal, write to a temp file in the
// same directory, then rename over the old file. A crash mid-write leaves
// either the prior document or the new one, never a truncated mix.
func (st *Store) Save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpPath := st.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, st.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
