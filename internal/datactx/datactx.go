// Package datactx provides the per-model, per-event field resolver.
//
// A Context maps a field name to a strongly typed value, looking through an
// override stack, a per-event cache, the derived-field table, and finally
// the parent context (or the raw input provider at the root), then applying
// the mining-schema cast and treatment. Contexts are chained across nested
// models; overrides pushed on a child propagate to its parent so that a
// derived field evaluated anywhere in the chain sees the same bindings.
package datactx

import (
	"github.com/scoreflow-io/scoreflow/internal/schema"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

type (
	// Provider supplies raw input for the root context. The second return
	// reports whether the field is present at all in the current event.
	Provider func(name string) (any, bool)

	// Derived evaluates a derived field's expression against the resolving
	// context, so that expression-level overrides (user-defined function
	// parameters, aggregate grouping) reach the whole chain.
	Derived func(c *Context) value.Value

	// Context is the stateful per-event resolver. It holds only non-owning
	// references to the treatment and derived tables; it owns the cache.
	// A Context is not safe for concurrent use; each segment owns its own.
	Context struct {
		parent   *Context
		provider Provider

		treatments map[string]schema.Treatment
		derived    map[string]Derived

		cache     map[string]value.Value
		overrides []overrideFrame
		noCache   int // count of active frames with caching disabled

		// err records the first returnInvalid treatment error of the
		// current event. Get itself never fails; callers that must stop
		// on invalid input inspect Err after resolution.
		err error

		// resolving guards against self-referential derived fields.
		resolving map[string]bool
	}

	overrideFrame struct {
		values   map[string]value.Value
		cacheOK  bool
	}
)

// New constructs a root context over a raw input provider.
func New(provider Provider, treatments map[string]schema.Treatment, derived map[string]Derived) *Context {
	return &Context{
		provider:   provider,
		treatments: treatments,
		derived:    derived,
		cache:      make(map[string]value.Value),
		resolving:  make(map[string]bool),
	}
}

// NewChild constructs a context chained to a parent, for a nested model
// with its own schema and local transformations.
func NewChild(parent *Context, treatments map[string]schema.Treatment, derived map[string]Derived) *Context {
	return &Context{
		parent:     parent,
		treatments: treatments,
		derived:    derived,
		cache:      make(map[string]value.Value),
		resolving:  make(map[string]bool),
	}
}

// Clear resets the per-event state: cache emptied, override stack emptied,
// caching re-enabled. Parent contexts are cleared by their own owners.
func (c *Context) Clear() {
	clear(c.cache)
	c.overrides = c.overrides[:0]
	c.noCache = 0
	c.err = nil
	clear(c.resolving)
}

// PushOverride makes the given bindings shadow every other source until the
// matching PopOverride. When cacheOK is false, cache writes are suppressed
// for the duration of the frame. The push propagates to the parent chain so
// expressions evaluated against any ancestor see the same bindings.
func (c *Context) PushOverride(values map[string]value.Value, cacheOK bool) {
	c.overrides = append(c.overrides, overrideFrame{values: values, cacheOK: cacheOK})
	if !cacheOK {
		c.noCache++
	}
	if c.parent != nil {
		c.parent.PushOverride(values, cacheOK)
	}
}

// PopOverride removes the most recent override frame.
func (c *Context) PopOverride() {
	if len(c.overrides) == 0 {
		return
	}
	frame := c.overrides[len(c.overrides)-1]
	c.overrides = c.overrides[:len(c.overrides)-1]
	if !frame.cacheOK {
		c.noCache--
	}
	if c.parent != nil {
		c.parent.PopOverride()
	}
}

// Err reports the first returnInvalid treatment violation of the current
// event, if any.
func (c *Context) Err() error { return c.err }

func (c *Context) cacheEnabled() bool { return c.noCache == 0 }

// Get resolves a field name to a typed value. Resolution order: override
// stack, cache, derived expression, parent (raw provider at the root); the
// result is then cast and treated when the name is in the treatment map.
// A name known to no source resolves to MISSING; Get never fails.
func (c *Context) Get(name string) value.Value {
	for i := len(c.overrides) - 1; i >= 0; i-- {
		if v, ok := c.overrides[i].values[name]; ok {
			return v
		}
	}

	if c.cacheEnabled() {
		if v, ok := c.cache[name]; ok {
			return v
		}
	}

	v, found := c.resolve(name)
	if !found {
		if _, treated := c.treatments[name]; !treated {
			return value.Missing()
		}
		v = value.Missing()
	}

	if treat, ok := c.treatments[name]; ok {
		treated, err := treat(v)
		if err != nil && c.err == nil {
			c.err = err
		}
		v = treated
	}

	if c.cacheEnabled() {
		c.cache[name] = v
	}
	return v
}

// resolve finds the untreated value for a name, reporting whether any
// source knows it.
func (c *Context) resolve(name string) (value.Value, bool) {
	if eval, ok := c.derived[name]; ok {
		if c.resolving[name] {
			return value.Invalid(), true
		}
		c.resolving[name] = true
		v := eval(c)
		delete(c.resolving, name)
		return v, true
	}

	if c.parent != nil {
		if !c.parent.knows(name) {
			return value.Value{}, false
		}
		return c.parent.Get(name), true
	}

	if c.provider != nil {
		raw, ok := c.provider(name)
		if !ok {
			return value.Value{}, false
		}
		if raw == nil {
			return value.Missing(), true
		}
		if v, isTyped := raw.(value.Value); isTyped {
			return v, true
		}
		return rawValue(raw), true
	}

	return value.Value{}, false
}

// knows reports whether this context or any ancestor can resolve the name
// without producing the not-found MISSING.
func (c *Context) knows(name string) bool {
	if _, ok := c.derived[name]; ok {
		return true
	}
	if _, ok := c.treatments[name]; ok {
		return true
	}
	if c.parent != nil {
		return c.parent.knows(name)
	}
	if c.provider != nil {
		_, ok := c.provider(name)
		return ok
	}
	return false
}

// rawValue wraps an untyped raw input so that it can flow to a treatment
// cast. Fields without a treatment pass through with their natural kind.
func rawValue(raw any) value.Value {
	switch x := raw.(type) {
	case string:
		return value.String(x)
	case bool:
		return value.Bool(x)
	case int:
		return value.Int(int64(x))
	case int64:
		return value.Int(x)
	case float64:
		return value.Float(x)
	default:
		return value.Invalid()
	}
}
