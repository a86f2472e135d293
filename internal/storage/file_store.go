package storage

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// JSONStore persists the state as one JSON document with the two
// top-level keys Global and Segments.
type JSONStore struct {
	path string
}

// NewJSONStore points a store at a file path. The file need not exist
// yet; loading an absent file yields an empty state.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Load reads the state file.
func (s *JSONStore) Load(_ context.Context) (*State, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, err
	}

	state := NewState()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", s.path, err)
	}
	if state.Global == nil {
		state.Global = Namespace{}
	}
	if state.Segments == nil {
		state.Segments = map[string]Namespace{}
	}
	return state, nil
}

// Save writes the state atomically: temp file, then rename.
func (s *JSONStore) Save(_ context.Context, state *State) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.path, raw)
}

// Close is a no-op for file-backed stores.
func (s *JSONStore) Close() error { return nil }

// gobState is the on-disk shape of the binary snapshot: a single map
// keyed by segment identifier, the empty key holding the global
// namespace.
type gobState map[string]Namespace

func init() {
	gob.Register(Namespace{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// GobStore persists the state as a binary snapshot.
type GobStore struct {
	path string
}

// NewGobStore points a store at a file path.
func NewGobStore(path string) *GobStore {
	return &GobStore{path: path}
}

// Load reads the snapshot.
func (s *GobStore) Load(_ context.Context) (*State, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return NewState(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var flat gobState
	if err := gob.NewDecoder(f).Decode(&flat); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", s.path, err)
	}

	state := NewState()
	for key, ns := range flat {
		if key == "" {
			state.Global = ns
		} else {
			state.Segments[key] = ns
		}
	}
	return state, nil
}

// Save writes the snapshot atomically.
func (s *GobStore) Save(_ context.Context, state *State) error {
	flat := gobState{"": state.Global}
	for key, ns := range state.Segments {
		flat[key] = ns
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(flat); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Close is a no-op for file-backed stores.
func (s *GobStore) Close() error { return nil }

func atomicWrite(path string, raw []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
