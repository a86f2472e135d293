// Package predicate provides compiled three-valued predicates.
//
// A predicate compiles once, at bind time, into a Func; scoring then calls
// the Func per event without re-traversing the predicate structure. Truth
// is three-valued: True, False, or Unknown, where Unknown arises exactly
// when a decision would need to inspect a MISSING (or, for the comparison
// operators, INVALID) input.
package predicate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/scoreflow-io/scoreflow/internal/value"
)

// Sentinel errors for predicate compilation.
var (
	// ErrBadOperator indicates an unrecognized operator attribute.
	ErrBadOperator = errors.New("unrecognized predicate operator")

	// ErrBadValue indicates a reference value that does not cast under the
	// field's type.
	ErrBadValue = errors.New("predicate value does not cast")
)

// Truth is the three-valued result of a predicate test.
type Truth uint8

const (
	// False: the predicate decided against.
	False Truth = iota
	// True: the predicate decided for.
	True
	// Unknown: the truth cannot be decided from the available inputs.
	Unknown
)

// String returns the truth name used in logs.
func (t Truth) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

type (
	// Meta accumulates per-event scoring metadata: the number of times a
	// surrogate chain bypassed an undecidable child, fed into the
	// missing-value penalty.
	Meta struct {
		Unknowns int
	}

	// Func is a compiled predicate. The meta argument may be nil when the
	// caller does not track penalties.
	Func func(get value.Getter, meta *Meta) Truth
)

// SimpleOp is the operator of a simple predicate.
type SimpleOp uint8

const (
	// OpEqual tests value equality.
	OpEqual SimpleOp = iota
	// OpNotEqual tests value inequality.
	OpNotEqual
	// OpLessThan tests strict order.
	OpLessThan
	// OpLessOrEqual tests non-strict order.
	OpLessOrEqual
	// OpGreaterThan tests strict order.
	OpGreaterThan
	// OpGreaterOrEqual tests non-strict order.
	OpGreaterOrEqual
	// OpIsMissing tests the MISSING status.
	OpIsMissing
	// OpIsNotMissing tests the complement of MISSING.
	OpIsNotMissing
)

// ParseSimpleOp maps the document operator attribute.
func ParseSimpleOp(s string) (SimpleOp, error) {
	switch s {
	case "equal":
		return OpEqual, nil
	case "notEqual":
		return OpNotEqual, nil
	case "lessThan":
		return OpLessThan, nil
	case "lessOrEqual":
		return OpLessOrEqual, nil
	case "greaterThan":
		return OpGreaterThan, nil
	case "greaterOrEqual":
		return OpGreaterOrEqual, nil
	case "isMissing":
		return OpIsMissing, nil
	case "isNotMissing":
		return OpIsNotMissing, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadOperator, s)
	}
}

// CompoundOp is the boolean connective of a compound predicate.
type CompoundOp uint8

const (
	// OpAnd is three-valued conjunction.
	OpAnd CompoundOp = iota
	// OpOr is three-valued disjunction.
	OpOr
	// OpXor is parity; Unknown-tainted.
	OpXor
	// OpSurrogate is first-decidable-child selection.
	OpSurrogate
)

// ParseCompoundOp maps the document booleanOperator attribute.
func ParseCompoundOp(s string) (CompoundOp, error) {
	switch s {
	case "and":
		return OpAnd, nil
	case "or":
		return OpOr, nil
	case "xor":
		return OpXor, nil
	case "surrogate":
		return OpSurrogate, nil
	default:
		return 0, fmt.Errorf("%w: booleanOperator %q", ErrBadOperator, s)
	}
}

// AlwaysTrue is the constant True predicate.
func AlwaysTrue() Func {
	return func(value.Getter, *Meta) Truth { return True }
}

// AlwaysFalse is the constant False predicate.
func AlwaysFalse() Func {
	return func(value.Getter, *Meta) Truth { return False }
}

// Simple compiles a simple predicate. The reference value is cast under
// the field's type once, here; rawValue is the document's value attribute.
// typ may be nil for the pure missing-status operators.
func Simple(field string, op SimpleOp, rawValue string, typ *value.Type) (Func, error) {
	switch op {
	case OpIsMissing:
		return func(get value.Getter, _ *Meta) Truth {
			return fromBool(get(field).IsMissing())
		}, nil
	case OpIsNotMissing:
		return func(get value.Getter, _ *Meta) Truth {
			return fromBool(!get(field).IsMissing())
		}, nil
	}

	var ref value.Value
	if typ != nil {
		ref = typ.Cast(rawValue)
		if !ref.IsValid() {
			return nil, fmt.Errorf("%w: field %q, value %q", ErrBadValue, field, rawValue)
		}
	} else {
		ref = literalValue(rawValue)
	}

	switch op {
	case OpEqual:
		return func(get value.Getter, _ *Meta) Truth {
			v := get(field)
			if v.IsSentinel() {
				return Unknown
			}
			return fromBool(v.Equal(ref))
		}, nil
	case OpNotEqual:
		return func(get value.Getter, _ *Meta) Truth {
			v := get(field)
			if v.IsSentinel() {
				return Unknown
			}
			return fromBool(!v.Equal(ref))
		}, nil
	default:
		want := op
		return func(get value.Getter, _ *Meta) Truth {
			v := get(field)
			if v.IsSentinel() {
				return Unknown
			}
			cmp, ok := compare(typ, v, ref)
			if !ok {
				return Unknown
			}
			switch want {
			case OpLessThan:
				return fromBool(cmp < 0)
			case OpLessOrEqual:
				return fromBool(cmp <= 0)
			case OpGreaterThan:
				return fromBool(cmp > 0)
			default:
				return fromBool(cmp >= 0)
			}
		}, nil
	}
}

// Compound compiles a compound predicate over already-compiled children.
func Compound(op CompoundOp, children []Func) (Func, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: compound predicate with no children", ErrBadOperator)
	}

	switch op {
	case OpAnd:
		return func(get value.Getter, meta *Meta) Truth {
			sawUnknown := false
			for _, child := range children {
				switch child(get, meta) {
				case False:
					return False
				case Unknown:
					sawUnknown = true
				}
			}
			if sawUnknown {
				return Unknown
			}
			return True
		}, nil

	case OpOr:
		return func(get value.Getter, meta *Meta) Truth {
			sawUnknown := false
			for _, child := range children {
				switch child(get, meta) {
				case True:
					return True
				case Unknown:
					sawUnknown = true
				}
			}
			if sawUnknown {
				return Unknown
			}
			return False
		}, nil

	case OpXor:
		return func(get value.Getter, meta *Meta) Truth {
			parity := false
			for _, child := range children {
				switch child(get, meta) {
				case Unknown:
					return Unknown
				case True:
					parity = !parity
				}
			}
			return fromBool(parity)
		}, nil

	case OpSurrogate:
		return func(get value.Getter, meta *Meta) Truth {
			bypassed := 0
			for _, child := range children {
				result := child(get, meta)
				if result != Unknown {
					if meta != nil {
						meta.Unknowns += bypassed
					}
					return result
				}
				bypassed++
			}
			return Unknown
		}, nil

	default:
		return nil, fmt.Errorf("%w: compound op %d", ErrBadOperator, op)
	}
}

// SimpleSet compiles a set-membership predicate. A MISSING or INVALID
// field value tests False, not Unknown: absence decides against
// membership rather than leaving it open.
func SimpleSet(field string, isIn bool, members []value.Value) Func {
	return func(get value.Getter, _ *Meta) Truth {
		v := get(field)
		if v.IsSentinel() {
			return False
		}
		found := false
		for _, m := range members {
			if v.Equal(m) {
				found = true
				break
			}
		}
		return fromBool(found == isIn)
	}
}

func fromBool(b bool) Truth {
	if b {
		return True
	}
	return False
}

// compare orders two values, preferring the field type's comparison when
// available and falling back to generic numeric or string order.
func compare(typ *value.Type, a, b value.Value) (int, bool) {
	if typ != nil {
		cmp, err := typ.Compare(a, b)
		if err != nil {
			return 0, false
		}
		return cmp, true
	}
	switch {
	case a.IsNumeric() && b.IsNumeric():
		x, y := a.Float64(), b.Float64()
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		default:
			return 0, true
		}
	case a.Kind() == value.KindString && b.Kind() == value.KindString:
		return strings.Compare(a.Str(), b.Str()), true
	default:
		return 0, false
	}
}

// literalValue types an untyped document literal: number if it parses,
// boolean if spelled so, string otherwise.
func literalValue(s string) value.Value {
	if v := numericLiteral(s); v.IsValid() {
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
	intLiteralType, _   = value.NewType(value.Continuous, value.DataTypeInteger, nil, nil, false)
	floatLiteralType, _ = value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
)

func numericLiteral(s string) value.Value {
	if s == "" || strings.ContainsAny(s, " \t") {
		return value.Invalid()
	}
	if v := intLiteralType.Cast(s); v.IsValid() {
		return v
	}
	if v := floatLiteralType.Cast(s); v.IsValid() {
		return v
	}
	return value.Invalid()
}
