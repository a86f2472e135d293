package expr

import (
	"fmt"
	"math"

	"github.com/scoreflow-io/scoreflow/internal/value"
)

// AggFunc is the reduction applied by an Aggregate expression.
type AggFunc uint8

const (
	// AggCount counts incremented records.
	AggCount AggFunc = iota
	// AggSum totals a numeric field.
	AggSum
	// AggAverage is the running mean.
	AggAverage
	// AggMin is the running minimum.
	AggMin
	// AggMax is the running maximum.
	AggMax
)

// ParseAggFunc maps the document function attribute.
func ParseAggFunc(s string) (AggFunc, error) {
	switch s {
	case "count":
		return AggCount, nil
	case "sum":
		return AggSum, nil
	case "average":
		return AggAverage, nil
	case "min":
		return AggMin, nil
	case "max":
		return AggMax, nil
	default:
		return 0, fmt.Errorf("%w: aggregate function %q", ErrBadExpression, s)
	}
}

// Aggregate is the AST variant for a lazy reduction over the event stream:
// a field, a reduction function, an optional grouping field, and an
// optional sqlWhere filter compiled at bind time.
type Aggregate struct {
	Field      string
	Function   AggFunc
	GroupField string
	SQLWhere   string
}

func (n Aggregate) compile(c *Compiler) (Func, error) {
	red, err := newReduction(n)
	if err != nil {
		return nil, err
	}
	c.aggregates = append(c.aggregates, red)
	return red.Evaluate, nil
}

type (
	// Reduction is the stateful side of an Aggregate: one accumulator per
	// group key (a single accumulator when no groupField is declared).
	// The compiled expression reads it; the engine increments it once per
	// event during the update phase.
	Reduction struct {
		field      string
		function   AggFunc
		groupField string
		where      whereFunc

		groups map[string]*Accumulator

		lastSync int64
	}

	// Accumulator carries the running statistics of one group.
	Accumulator struct {
		Count int64
		Sum   float64
		Min   float64
		Max   float64
	}

	whereFunc func(env Env) bool
)

const ungrouped = "\x00"

func newReduction(n Aggregate) (*Reduction, error) {
	var where whereFunc
	if n.SQLWhere != "" {
		compiled, err := compileWhere(n.SQLWhere)
		if err != nil {
			return nil, err
		}
		where = compiled
	}
	return &Reduction{
		field:      n.Field,
		function:   n.Function,
		groupField: n.GroupField,
		where:      where,
		groups:     make(map[string]*Accumulator),
	}, nil
}

// Mean returns the running mean of the group.
func (a *Accumulator) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// Increment folds the current event into the accumulator for its group.
// Events whose field is MISSING or INVALID, whose group key is MISSING, or
// whose where-filter rejects them are skipped.
func (r *Reduction) Increment(syncNumber int64, env Env) {
	r.lastSync = syncNumber

	if r.where != nil && !r.where(env) {
		return
	}

	key := ungrouped
	if r.groupField != "" {
		g := env.Get(r.groupField)
		if !g.IsValid() {
			return
		}
		key = g.Format()
	}

	v := env.Get(r.field)
	if !v.IsValid() {
		return
	}

	acc, ok := r.groups[key]
	if !ok {
		acc = &Accumulator{Min: math.Inf(1), Max: math.Inf(-1)}
		r.groups[key] = acc
	}

	acc.Count++
	if v.IsNumeric() {
		x := v.Float64()
		acc.Sum += x
		if x < acc.Min {
			acc.Min = x
		}
		if x > acc.Max {
			acc.Max = x
		}
	}
}

// Evaluate reads the reduction for the group selected by the current
// event. An empty group is INVALID; a MISSING grouping key is MISSING.
func (r *Reduction) Evaluate(env Env) value.Value {
	key := ungrouped
	if r.groupField != "" {
		g := env.Get(r.groupField)
		if g.IsMissing() {
			return value.Missing()
		}
		if g.IsInvalid() {
			return value.Invalid()
		}
		key = g.Format()
	}

	acc, ok := r.groups[key]
	if !ok || acc.Count == 0 {
		return value.Invalid()
	}

	switch r.function {
	case AggCount:
		return value.Int(acc.Count)
	case AggSum:
		return finite(acc.Sum)
	case AggAverage:
		return finite(acc.Mean())
	case AggMin:
		return finite(acc.Min)
	default:
		return finite(acc.Max)
	}
}

// Flush discards all accumulated state, for aggregation-boundary resets.
func (r *Reduction) Flush() {
	clear(r.groups)
}

// Group exposes one group's accumulator, for serialization.
func (r *Reduction) Group(key string) (*Accumulator, bool) {
	acc, ok := r.groups[key]
	return acc, ok
}
