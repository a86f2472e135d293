// Package storage provides the persistent state store used by custom
// processing and producer checkpoints. The connect URI selects the
// backend: json://path for a human-readable file, gob://path for a binary
// snapshot (pickle:// is accepted as an alias), and postgres://dsn for a
// database-backed store with embedded schema migrations.
//
// State carries two namespaces: Global, and one namespace per segment.
// Stores load at begin and save at end or on exception.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store construction.
var (
	// ErrBadConnect indicates a connect URI outside PROTOCOL://ADDRESS or
	// with an unknown protocol.
	ErrBadConnect = errors.New("bad PersistentStorage connect URI")
)

type (
	// Namespace is one keyed bag of state values.
	Namespace map[string]any

	// State is everything a store persists: the global namespace plus
	// per-segment namespaces.
	State struct {
		Global   Namespace            `json:"Global"`
		Segments map[string]Namespace `json:"Segments"`
	}

	// Store loads and saves the whole state.
	Store interface {
		Load(ctx context.Context) (*State, error)
		Save(ctx context.Context, state *State) error
		Close() error
	}
)

// NewState returns an empty state.
func NewState() *State {
	return &State{Global: Namespace{}, Segments: map[string]Namespace{}}
}

// Segment returns (creating if needed) the namespace of one segment.
func (s *State) Segment(id string) Namespace {
	ns, ok := s.Segments[id]
	if !ok {
		ns = Namespace{}
		s.Segments[id] = ns
	}
	return ns
}

// Connect parses a PROTOCOL://ADDRESS URI and opens the store.
func Connect(ctx context.Context, uri string) (Store, error) {
	protocol, address, found := strings.Cut(uri, "://")
	if !found || address == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadConnect, uri)
	}

	switch protocol {
	case "json":
		return NewJSONStore(address), nil
	case "gob", "pickle":
		return NewGobStore(address), nil
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, uri)
	default:
		return nil, fmt.Errorf("%w: protocol %q", ErrBadConnect, protocol)
	}
}
