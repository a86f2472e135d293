// Package expr provides the transformation-expression evaluator.
//
// Expressions arrive as a small AST (one variant per document element:
// Constant, FieldRef, NormContinuous, NormDiscrete, Discretize, MapValues,
// Aggregate, Apply) and compile once, at bind time, into closures over an
// Env. Evaluation threads an explicit result variant — a concrete value,
// INVALID, or MISSING — through the tree; there is no exception-driven
// control flow, and a compiled expression never re-inspects its AST.
package expr

import (
	"errors"
	"fmt"
	"math"

	"github.com/scoreflow-io/scoreflow/internal/value"
)

// Sentinel errors for expression compilation.
var (
	// ErrBadExpression indicates a structurally malformed expression.
	ErrBadExpression = errors.New("malformed expression")

	// ErrBadConstant indicates a constant literal that does not cast
	// under its declared dataType, or a NaN/Inf literal.
	ErrBadConstant = errors.New("constant literal does not cast")

	// ErrBadKnots indicates NormContinuous knots that are not strictly
	// increasing by their orig coordinate.
	ErrBadKnots = errors.New("norm knots must be strictly increasing")

	// ErrUnknownFunction indicates an Apply of a function that is neither
	// built in nor user defined.
	ErrUnknownFunction = errors.New("unknown function")

	// ErrArity indicates an Apply with the wrong number of arguments.
	ErrArity = errors.New("wrong number of arguments")
)

type (
	// Env is what a compiled expression evaluates against: field
	// resolution plus the override stack used by user-defined function
	// application. *datactx.Context satisfies it.
	Env interface {
		Get(name string) value.Value
		PushOverride(values map[string]value.Value, cacheOK bool)
		PopOverride()
	}

	// Func is a compiled expression.
	Func func(env Env) value.Value

	// Node is one expression AST variant. The set is closed: the eight
	// document element kinds, nothing else.
	Node interface {
		compile(c *Compiler) (Func, error)
	}

	// UserFunc is a user-defined function bound at load time: parameter
	// names plus a body expression.
	UserFunc struct {
		Params []string
		Body   Node
	}

	// Compiler carries the bind-time environment: field types for casting
	// literals, the user-defined function table, and the aggregates
	// collected while compiling (the engine drives their increments).
	Compiler struct {
		// TypeOf resolves a field name to its declared type; nil means no
		// type information (literals stay untyped).
		TypeOf func(field string) *value.Type

		// Funcs is the user-defined function table.
		Funcs map[string]*UserFunc

		aggregates []*Reduction
	}
)

// Compile compiles an expression tree.
func (c *Compiler) Compile(n Node) (Func, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: nil expression", ErrBadExpression)
	}
	return n.compile(c)
}

// Reductions returns every aggregate reduction compiled through this
// compiler, in compilation order. The engine drives their increments.
func (c *Compiler) Reductions() []*Reduction { return c.aggregates }

func (c *Compiler) fieldType(name string) *value.Type {
	if c.TypeOf == nil {
		return nil
	}
	return c.TypeOf(name)
}

// Constant is a literal, optionally cast under a declared dataType.
type Constant struct {
	Value    string
	DataType string // empty means untyped literal
}

func (n Constant) compile(c *Compiler) (Func, error) {
	var v value.Value
	if n.DataType != "" {
		dt, err := value.ParseDataType(n.DataType)
		if err != nil {
			return nil, err
		}
		optype := value.Continuous
		if !dt.IsNumeric() {
			optype = value.Categorical
		}
		t, err := value.NewType(optype, dt, nil, nil, false)
		if err != nil {
			return nil, err
		}
		v = t.Cast(n.Value)
	} else {
		v = Literal(n.Value)
	}

	if !v.IsValid() {
		return nil, fmt.Errorf("%w: %q as %q", ErrBadConstant, n.Value, n.DataType)
	}

	return func(Env) value.Value { return v }, nil
}

// FieldRef reads a field from the context.
type FieldRef struct {
	Field        string
	MapMissingTo *string
}

func (n FieldRef) compile(c *Compiler) (Func, error) {
	mapMissing, err := compileMapMissing(n.MapMissingTo, c.fieldType(n.Field))
	if err != nil {
		return nil, err
	}
	field := n.Field
	return func(env Env) value.Value {
		v := env.Get(field)
		if v.IsMissing() && mapMissing != nil {
			return *mapMissing
		}
		return v
	}, nil
}

// OutlierMode selects NormContinuous behavior beyond the outer knots.
type OutlierMode uint8

const (
	// OutlierExtrapolate continues the end segments linearly.
	OutlierExtrapolate OutlierMode = iota
	// OutlierMissing maps out-of-range input to MISSING.
	OutlierMissing
	// OutlierClamp clamps to the end knot's norm.
	OutlierClamp
)

// ParseOutlierMode maps the document outliers attribute; empty defaults to
// asIs (linear extrapolation).
func ParseOutlierMode(s string) (OutlierMode, error) {
	switch s {
	case "", "asIs":
		return OutlierExtrapolate, nil
	case "asMissingValues":
		return OutlierMissing, nil
	case "asExtremeValues":
		return OutlierClamp, nil
	default:
		return 0, fmt.Errorf("%w: outliers %q", ErrBadExpression, s)
	}
}

// LinearNorm is one (orig, norm) knot.
type LinearNorm struct {
	Orig float64
	Norm float64
}

// NormContinuous is piecewise-linear interpolation between knots.
type NormContinuous struct {
	Field        string
	Knots        []LinearNorm
	MapMissingTo *string
	Outliers     OutlierMode
}

func (n NormContinuous) compile(c *Compiler) (Func, error) {
	if len(n.Knots) < 2 {
		return nil, fmt.Errorf("%w: NormContinuous needs at least two knots", ErrBadKnots)
	}
	for i := 1; i < len(n.Knots); i++ {
		if n.Knots[i].Orig <= n.Knots[i-1].Orig {
			return nil, fmt.Errorf("%w: knot %d", ErrBadKnots, i)
		}
	}
	mapMissing, err := compileMapMissing(n.MapMissingTo, nil)
	if err != nil {
		return nil, err
	}

	knots := append([]LinearNorm(nil), n.Knots...)
	mode := n.Outliers
	field := n.Field
	return func(env Env) value.Value {
		v := env.Get(field)
		switch {
		case v.IsMissing():
			if mapMissing != nil {
				return *mapMissing
			}
			return value.Missing()
		case v.IsInvalid() || !v.IsNumeric():
			return value.Invalid()
		}

		x := v.Float64()
		first, last := knots[0], knots[len(knots)-1]
		if x < first.Orig || x > last.Orig {
			switch mode {
			case OutlierMissing:
				return value.Missing()
			case OutlierClamp:
				if x < first.Orig {
					return value.Float(first.Norm)
				}
				return value.Float(last.Norm)
			}
		}

		// Find the segment; end segments extend for extrapolation.
		seg := len(knots) - 2
		for i := 1; i < len(knots); i++ {
			if x <= knots[i].Orig {
				seg = i - 1
				break
			}
		}
		a, b := knots[seg], knots[seg+1]
		frac := (x - a.Orig) / (b.Orig - a.Orig)
		return value.Float(a.Norm + frac*(b.Norm-a.Norm))
	}, nil
}

// NormDiscrete indicates equality with one target value: 1 or 0.
type NormDiscrete struct {
	Field        string
	Value        string
	MapMissingTo *string
}

func (n NormDiscrete) compile(c *Compiler) (Func, error) {
	mapMissing, err := compileMapMissing(n.MapMissingTo, nil)
	if err != nil {
		return nil, err
	}

	target := Literal(n.Value)
	if typ := c.fieldType(n.Field); typ != nil {
		if cast := typ.Cast(n.Value); cast.IsValid() {
			target = cast
		}
	}

	field := n.Field
	return func(env Env) value.Value {
		v := env.Get(field)
		switch {
		case v.IsMissing():
			if mapMissing != nil {
				return *mapMissing
			}
			return value.Missing()
		case v.IsInvalid():
			return value.Invalid()
		}
		if v.Equal(target) {
			return value.Float(1)
		}
		return value.Float(0)
	}, nil
}

// DiscretizeBin maps an interval to a bin value.
type DiscretizeBin struct {
	Interval value.Interval
	BinValue string
}

// Discretize maps a continuous input into the first matching bin.
type Discretize struct {
	Field        string
	Bins         []DiscretizeBin
	MapMissingTo *string
	DefaultValue *string
	DataType     string // optional output cast
}

func (n Discretize) compile(c *Compiler) (Func, error) {
	mapMissing, err := compileMapMissing(n.MapMissingTo, nil)
	if err != nil {
		return nil, err
	}

	outCast := outputCaster(n.DataType)

	bins := append([]DiscretizeBin(nil), n.Bins...)
	field := n.Field
	defaultValue := n.DefaultValue
	return func(env Env) value.Value {
		v := env.Get(field)
		switch {
		case v.IsMissing():
			if mapMissing != nil {
				return *mapMissing
			}
			return value.Missing()
		case v.IsInvalid() || !v.IsNumeric():
			return value.Invalid()
		}

		x := v.Float64()
		for _, bin := range bins {
			if bin.Interval.Contains(x) {
				return outCast(bin.BinValue)
			}
		}
		if defaultValue != nil {
			return outCast(*defaultValue)
		}
		return value.Missing()
	}, nil
}

// MapValues is a keyed lookup over an inline table: each input field is
// matched against its column, and the first row matching every column
// yields the output column's value.
type MapValues struct {
	// FieldColumns pairs an input field with the table column it matches.
	FieldColumns [][2]string // {field, column}
	OutputColumn string
	Rows         []map[string]string
	MapMissingTo *string
	DefaultValue *string
	DataType     string
}

func (n MapValues) compile(c *Compiler) (Func, error) {
	if len(n.FieldColumns) == 0 {
		return nil, fmt.Errorf("%w: MapValues with no field-column pairs", ErrBadExpression)
	}
	mapMissing, err := compileMapMissing(n.MapMissingTo, nil)
	if err != nil {
		return nil, err
	}

	outCast := outputCaster(n.DataType)
	pairs := append([][2]string(nil), n.FieldColumns...)
	rows := n.Rows
	outputColumn := n.OutputColumn
	defaultValue := n.DefaultValue
	return func(env Env) value.Value {
		keys := make([]value.Value, len(pairs))
		for i, pair := range pairs {
			v := env.Get(pair[0])
			switch {
			case v.IsMissing():
				if mapMissing != nil {
					return *mapMissing
				}
				return value.Missing()
			case v.IsInvalid():
				return value.Invalid()
			}
			keys[i] = v
		}

	rowLoop:
		for _, row := range rows {
			for i, pair := range pairs {
				cell, ok := row[pair[1]]
				if !ok || !keys[i].Equal(Literal(cell)) {
					continue rowLoop
				}
			}
			if out, ok := row[outputColumn]; ok {
				return outCast(out)
			}
			return value.Missing()
		}

		if defaultValue != nil {
			return outCast(*defaultValue)
		}
		return value.Missing()
	}, nil
}

// compileMapMissing types a mapMissingTo attribute once at bind time.
func compileMapMissing(raw *string, typ *value.Type) (*value.Value, error) {
	if raw == nil {
		return nil, nil
	}
	var v value.Value
	if typ != nil {
		v = typ.Cast(*raw)
		if !v.IsValid() {
			return nil, fmt.Errorf("%w: mapMissingTo %q", ErrBadConstant, *raw)
		}
	} else {
		v = Literal(*raw)
	}
	return &v, nil
}

// outputCaster returns a function typing an output literal, honoring an
// optional declared dataType and falling back to natural typing.
func outputCaster(dataType string) func(string) value.Value {
	if dataType == "" {
		return Literal
	}
	dt, err := value.ParseDataType(dataType)
	if err != nil {
		return Literal
	}
	optype := value.Continuous
	if !dt.IsNumeric() {
		optype = value.Categorical
	}
	t, terr := value.NewType(optype, dt, nil, nil, false)
	if terr != nil {
		return Literal
	}
	return func(s string) value.Value { return t.Cast(s) }
}

// Literal types an untyped document literal: integer, then float, then
// boolean, then string.
func Literal(s string) value.Value {
	if v := intLit.Cast(s); v.IsValid() && s != "" {
		return v
	}
	if v := floatLit.Cast(s); v.IsValid() && s != "" {
		return v
	}
	switch s {
	case "true":
		return value.Bool(true)
	case "false":
		return value.Bool(false)
	}
	return value.String(s)
}

var (
	intLit, _   = value.NewType(value.Continuous, value.DataTypeInteger, nil, nil, false)
	floatLit, _ = value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
)

// number reports a float payload for arithmetic, rejecting non-numeric
// kinds.
func number(v value.Value) (float64, bool) {
	if !v.IsValid() || !v.IsNumeric() {
		return 0, false
	}
	return v.Float64(), true
}

// finite wraps an arithmetic result, collapsing NaN/Inf to INVALID.
func finite(f float64) value.Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return value.Invalid()
	}
	return value.Float(f)
}
