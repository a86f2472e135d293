package engine

import (
	"context"

	"github.com/scoreflow-io/scoreflow/internal/storage"
)

// Processor is the host-side custom-processing capability. The engine
// invokes it at the run boundaries and once per event; implementations
// receive the shared persistent state and may mutate it. All methods may
// be no-ops; Nop provides that.
//
// The engine never evaluates host code itself — the host supplies this
// implementation and the engine calls through it.
type Processor interface {
	// Begin runs once before the first event, after state is loaded.
	Begin(ctx context.Context, state *storage.State) error
	// Action runs once per event read from the source, after the engine
	// has processed it.
	Action(ctx context.Context, state *storage.State, segment string, syncNumber int64) error
	// End runs after the last event, before state is saved.
	End(ctx context.Context, state *storage.State) error
	// Exception runs when the pipeline dies; state is saved afterwards.
	Exception(ctx context.Context, state *storage.State, cause error) error
}

// Nop is the do-nothing processor used when no custom processing is
// configured.
type Nop struct{}

// Begin implements Processor.
func (Nop) Begin(context.Context, *storage.State) error { return nil }

// Action implements Processor.
func (Nop) Action(context.Context, *storage.State, string, int64) error { return nil }

// End implements Processor.
func (Nop) End(context.Context, *storage.State) error { return nil }

// Exception implements Processor.
func (Nop) Exception(context.Context, *storage.State, error) error { return nil }
