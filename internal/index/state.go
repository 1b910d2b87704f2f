package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// StateFile is the change-detection state's name inside the state dir.
const StateFile = "index_state.json"

// FileState is what the reindexer remembers about one note.
type FileState struct {
	MTime int64  `json:"mtime"`
	Hash  string `json:"hash"`
}

// State is the persisted change-detection state of a vault.
type State struct {
	Model string               `json:"model"`
	Files map[string]FileState `json:"files"`
}

// NewState returns an empty state for model.
func NewState(model string) *State {
	return &State{Model: model, Files: make(map[string]FileState)}
}

// LoadState reads the state at path. A missing file yields an empty state.
// A document in the older flat {path: entry} layout loads with Model "".
// A corrupt file yields an empty state and an error.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewState(""), nil
	}
	if err != nil {
		return NewState(""), fmt.Errorf("index: read state: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return NewState(""), fmt.Errorf("index: parse state: %w", err)
	}
	_, hasFiles := fields["files"]
	_, hasModel := fields["model"]
	if !hasFiles && !hasModel {
		legacy := make(map[string]FileState, len(fields))
		if err := json.Unmarshal(data, &legacy); err != nil {
			return NewState(""), fmt.Errorf("index: parse legacy state: %w", err)
		}
		return &State{Model: "", Files: legacy}, nil
	}

	st := NewState("")
	if err := json.Unmarshal(data, st); err != nil {
		return NewState(""), fmt.Errorf("index: parse state: %w", err)
	}
	if st.Files == nil {
		st.Files = make(map[string]FileState)
	}
	return st, nil
}

// SaveState atomically replaces the state file at path.
func SaveState(path string, st *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("index: create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("index: encode state: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("index: write state: %w", err)
	}
	return nil
}
