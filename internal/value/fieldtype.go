package value

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Sentinel errors for field type construction and comparison.
// These can be used with errors.Is() for error checking.
var (
	// ErrBadDataType indicates an unrecognized dataType name.
	ErrBadDataType = errors.New("unrecognized dataType")

	// ErrBadOptype indicates an unrecognized optype name.
	ErrBadOptype = errors.New("unrecognized optype")

	// ErrOrdinalValues indicates an ordinal string type without an
	// enumerated value list.
	ErrOrdinalValues = errors.New("ordinal string type requires enumerated values")

	// ErrCyclicRange indicates a malformed cyclic range declaration.
	ErrCyclicRange = errors.New("malformed cyclic range")

	// ErrIncomparable indicates a comparison on a type that does not
	// define one (cyclic types must use arithmetic instead).
	ErrIncomparable = errors.New("values of this type cannot be ordered")
)

// Optype classifies how a field's values relate to each other.
type Optype uint8

const (
	// Categorical values are unordered labels.
	Categorical Optype = iota
	// OrdinalOp values are ordered by their enumeration.
	OrdinalOp
	// Continuous values are ordered numbers.
	Continuous
)

// ParseOptype maps the document attribute to an Optype.
func ParseOptype(s string) (Optype, error) {
	switch s {
	case "categorical":
		return Categorical, nil
	case "ordinal":
		return OrdinalOp, nil
	case "continuous":
		return Continuous, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadOptype, s)
	}
}

// String returns the document spelling of the optype.
func (o Optype) String() string {
	switch o {
	case Categorical:
		return "categorical"
	case OrdinalOp:
		return "ordinal"
	default:
		return "continuous"
	}
}

// DataType names the concrete representation of a field. The *Since
// family carries an epoch year.
type DataType struct {
	name      string
	kind      Kind
	epochYear int
	sinceKind sinceKind
}

type sinceKind uint8

const (
	sinceNone sinceKind = iota
	sinceDateDays
	sinceTimeSeconds
	sinceDateTimeSeconds
)

// The plain data types.
var (
	DataTypeString   = DataType{name: "string", kind: KindString}
	DataTypeInteger  = DataType{name: "integer", kind: KindInt}
	DataTypeFloat    = DataType{name: "float", kind: KindFloat}
	DataTypeDouble   = DataType{name: "double", kind: KindFloat}
	DataTypeBoolean  = DataType{name: "boolean", kind: KindBool}
	DataTypeDate     = DataType{name: "date", kind: KindDate}
	DataTypeTime     = DataType{name: "time", kind: KindTime}
	DataTypeDateTime = DataType{name: "dateTime", kind: KindDateTime}
)

var sinceTypePattern = regexp.MustCompile(`^(dateDaysSince|dateTimeSecondsSince)\[(0|1960|1970|1980)\]$`)

// ParseDataType maps a document dataType attribute to a DataType.
// The epoch-relative forms are spelled dateDaysSince[1960],
// dateTimeSecondsSince[1970], and so on; the allowed epochs are 0, 1960,
// 1970 and 1980.
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "string":
		return DataTypeString, nil
	case "integer":
		return DataTypeInteger, nil
	case "float":
		return DataTypeFloat, nil
	case "double":
		return DataTypeDouble, nil
	case "boolean":
		return DataTypeBoolean, nil
	case "date":
		return DataTypeDate, nil
	case "time":
		return DataTypeTime, nil
	case "dateTime":
		return DataTypeDateTime, nil
	case "timeSeconds":
		return DataType{name: s, kind: KindInt, sinceKind: sinceTimeSeconds}, nil
	}

	m := sinceTypePattern.FindStringSubmatch(s)
	if m == nil {
		return DataType{}, fmt.Errorf("%w: %q", ErrBadDataType, s)
	}

	year, _ := strconv.Atoi(m[2])
	switch m[1] {
	case "dateDaysSince":
		return DataType{name: s, kind: KindInt, epochYear: year, sinceKind: sinceDateDays}, nil
	default:
		return DataType{name: s, kind: KindInt, epochYear: year, sinceKind: sinceDateTimeSeconds}, nil
	}
}

// String returns the document spelling of the data type.
func (d DataType) String() string { return d.name }

// IsNumeric reports whether values of this type participate in arithmetic.
func (d DataType) IsNumeric() bool { return d.kind != KindString && d.kind != KindBool }

// Closure describes which ends of an interval are included.
type Closure uint8

const (
	// OpenOpen excludes both ends.
	OpenOpen Closure = iota
	// OpenClosed excludes the left end and includes the right.
	OpenClosed
	// ClosedOpen includes the left end and excludes the right.
	ClosedOpen
	// ClosedClosed includes both ends.
	ClosedClosed
)

// ParseClosure maps the document attribute to a Closure.
func ParseClosure(s string) (Closure, error) {
	switch s {
	case "openOpen":
		return OpenOpen, nil
	case "openClosed":
		return OpenClosed, nil
	case "closedOpen":
		return ClosedOpen, nil
	case "closedClosed":
		return ClosedClosed, nil
	default:
		return 0, fmt.Errorf("%w: closure %q", ErrBadDataType, s)
	}
}

// Interval is a validity range for continuous fields. A nil margin means
// the interval is unbounded on that side.
type Interval struct {
	Closure Closure
	Left    *float64
	Right   *float64
}

// Contains reports whether x lies in the interval, honoring the closure.
func (iv Interval) Contains(x float64) bool {
	if iv.Left != nil {
		if x < *iv.Left {
			return false
		}
		if x == *iv.Left && (iv.Closure == OpenOpen || iv.Closure == OpenClosed) {
			return false
		}
	}
	if iv.Right != nil {
		if x > *iv.Right {
			return false
		}
		if x == *iv.Right && (iv.Closure == OpenOpen || iv.Closure == ClosedOpen) {
			return false
		}
	}
	return true
}

// Type carries everything needed to turn a raw input into a typed value
// and to compare typed values: the optype, the data type, and the optional
// interval / enumeration constraints. Construction validates the
// cross-field invariants once; Cast is then pure and total.
type Type struct {
	Optype   Optype
	DataType DataType
	Cyclic   bool

	// Intervals constrain continuous values; with Cyclic set, exactly one
	// finite interval defines the period.
	Intervals []Interval

	// Values enumerates the valid members. For ordinal types the list
	// order is the ordering; for cyclic integer types two entries define
	// first and last.
	Values []string

	ordIndex  map[string]int
	numValues []float64

	cyclicFirst, cyclicLast int64   // cyclic integer closed range
	cyclicLow, cyclicHigh   float64 // cyclic continuous period
}

// NewType builds a Type and validates its invariants.
func NewType(optype Optype, dataType DataType, intervals []Interval, values []string, cyclic bool) (*Type, error) {
	t := &Type{Optype: optype, DataType: dataType, Intervals: intervals, Values: values, Cyclic: cyclic}

	if optype == OrdinalOp && dataType.kind == KindString {
		if len(values) == 0 {
			return nil, ErrOrdinalValues
		}
		t.ordIndex = make(map[string]int, len(values))
		for i, v := range values {
			t.ordIndex[v] = i
		}
	}

	if optype == Continuous && len(values) > 0 {
		t.numValues = make([]float64, 0, len(values))
		for _, v := range values {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: enumerated value %q is not numeric", ErrBadDataType, v)
			}
			t.numValues = append(t.numValues, f)
		}
	}

	if cyclic {
		switch {
		case optype == OrdinalOp && dataType.kind == KindInt:
			if len(values) != 2 {
				return nil, fmt.Errorf("%w: cyclic ordinal integer requires exactly two enumerated values", ErrCyclicRange)
			}
			first, err1 := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
			last, err2 := strconv.ParseInt(strings.TrimSpace(values[1]), 10, 64)
			if err1 != nil || err2 != nil || last < first {
				return nil, fmt.Errorf("%w: bounds %q, %q", ErrCyclicRange, values[0], values[1])
			}
			t.cyclicFirst, t.cyclicLast = first, last
		case optype == Continuous:
			if len(intervals) != 1 || intervals[0].Left == nil || intervals[0].Right == nil {
				return nil, fmt.Errorf("%w: cyclic continuous requires exactly one finite interval", ErrCyclicRange)
			}
			t.cyclicLow, t.cyclicHigh = *intervals[0].Left, *intervals[0].Right
			if t.cyclicHigh <= t.cyclicLow {
				return nil, fmt.Errorf("%w: empty period [%g, %g)", ErrCyclicRange, t.cyclicLow, t.cyclicHigh)
			}
		default:
			return nil, fmt.Errorf("%w: cyclic is only defined for ordinal integers and continuous fields", ErrCyclicRange)
		}
	}

	return t, nil
}

// Cast converts a raw input to a typed value, or INVALID when the input
// violates the type, its intervals, or its enumeration. Cast never fails
// any other way: for every present input exactly one of "typed value" and
// "INVALID" results, while an absent input (nil or MISSING) yields
// MISSING. Raw may be a string, a Go number, a bool, or an already-typed
// Value (revalidated against this type).
func (t *Type) Cast(raw any) Value {
	switch x := raw.(type) {
	case Value:
		if x.IsMissing() {
			return x
		}
		if x.IsSentinel() {
			return Invalid()
		}
		if x.Kind() == KindString {
			return t.castString(x.Str())
		}
		return t.validate(x)
	case string:
		return t.castString(x)
	case bool:
		if t.DataType.kind != KindBool {
			return Invalid()
		}
		return Bool(x)
	case int:
		return t.castFloat(float64(x))
	case int64:
		return t.castFloat(float64(x))
	case float64:
		return t.castFloat(x)
	case nil:
		return Missing()
	default:
		return Invalid()
	}
}

func (t *Type) castString(s string) Value {
	switch t.DataType.kind {
	case KindString:
		if t.Optype == OrdinalOp {
			idx, ok := t.ordIndex[s]
			if !ok {
				return Invalid()
			}
			return Ordinal(s, idx)
		}
		return t.validate(String(s))

	case KindBool:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1":
			return Bool(true)
		case "false", "0":
			return Bool(false)
		default:
			return Invalid()
		}

	case KindInt:
		if t.DataType.sinceKind != sinceNone {
			return t.castSince(s)
		}
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			// Integer fields tolerate a fractional spelling of a whole number.
			f, ferr := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if ferr != nil || f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
				return Invalid()
			}
			i = int64(f)
		}
		return t.validate(Int(i))

	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return Invalid()
		}
		return t.validate(Float(f))

	case KindDate:
		ms, ok := parseDateMillis(strings.TrimSpace(s))
		if !ok {
			return Invalid()
		}
		return t.validate(Date(ms))

	case KindTime:
		ms, ok := parseTimeMillis(strings.TrimSpace(s))
		if !ok {
			return Invalid()
		}
		return t.validate(Time(ms))

	case KindDateTime:
		ms, ok := parseDateTimeMillis(strings.TrimSpace(s))
		if !ok {
			return Invalid()
		}
		return t.validate(DateTime(ms))

	default:
		return Invalid()
	}
}

// castSince handles the epoch-relative integer types: raw input may be a
// count already, or a wall-clock form that is converted to the count.
func (t *Type) castSince(s string) Value {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return t.validate(Int(i))
	}

	switch t.DataType.sinceKind {
	case sinceDateDays:
		ms, ok := parseDateMillis(s)
		if !ok {
			return Invalid()
		}
		return t.validate(Int(DaysSinceYear(ms, t.DataType.epochYear)))
	case sinceTimeSeconds:
		ms, ok := parseTimeMillis(s)
		if !ok {
			return Invalid()
		}
		return t.validate(Int(SecondsSinceMidnight(ms)))
	case sinceDateTimeSeconds:
		ms, ok := parseDateTimeMillis(s)
		if !ok {
			return Invalid()
		}
		return t.validate(Int(SecondsSinceYear(ms, t.DataType.epochYear)))
	default:
		return Invalid()
	}
}

func (t *Type) castFloat(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Invalid()
	}
	switch t.DataType.kind {
	case KindInt:
		if f != math.Trunc(f) {
			return Invalid()
		}
		return t.validate(Int(int64(f)))
	case KindFloat:
		return t.validate(Float(f))
	case KindDate, KindTime, KindDateTime:
		if f != math.Trunc(f) {
			return Invalid()
		}
		return t.validate(Value{kind: t.DataType.kind, i: int64(f)})
	default:
		return Invalid()
	}
}

// validate applies the interval, enumeration and cyclic constraints to an
// already-parsed value.
func (t *Type) validate(v Value) Value {
	if t.Cyclic {
		return t.wrap(v)
	}

	switch t.Optype {
	case Continuous:
		x := v.Float64()
		if len(t.Intervals) > 0 {
			for _, iv := range t.Intervals {
				if iv.Contains(x) {
					return v
				}
			}
			return Invalid()
		}
		if len(t.numValues) > 0 {
			for _, nv := range t.numValues {
				if x == nv {
					return v
				}
			}
			return Invalid()
		}
		return v

	case Categorical:
		if len(t.Values) > 0 && v.kind == KindString {
			for _, member := range t.Values {
				if member == v.s {
					return v
				}
			}
			return Invalid()
		}
		return v

	case OrdinalOp:
		if v.kind == KindString {
			idx, ok := t.ordIndex[v.s]
			if !ok {
				return Invalid()
			}
			return Ordinal(v.s, idx)
		}
		return v

	default:
		return v
	}
}

// wrap reduces a value into the cyclic range.
func (t *Type) wrap(v Value) Value {
	switch {
	case t.Optype == OrdinalOp:
		period := t.cyclicLast - t.cyclicFirst + 1
		i := v.Int64()
		offset := ((i-t.cyclicFirst)%period + period) % period
		return CyclicInt(t.cyclicFirst + offset)
	default:
		period := t.cyclicHigh - t.cyclicLow
		x := v.Float64()
		offset := math.Mod(x-t.cyclicLow, period)
		if offset < 0 {
			offset += period
		}
		return CyclicFloat(t.cyclicLow + offset)
	}
}

// Compare orders two typed values: -1, 0 or +1. Ordinal strings compare by
// enumeration position; numeric types by value. Cyclic types do not define
// an ordering and return ErrIncomparable.
func (t *Type) Compare(a, b Value) (int, error) {
	if t.Cyclic {
		return 0, ErrIncomparable
	}
	if a.IsSentinel() || b.IsSentinel() {
		return 0, fmt.Errorf("%w: sentinel operand", ErrIncomparable)
	}

	switch {
	case a.kind == KindOrdinal && b.kind == KindOrdinal:
		return cmpInt(a.i, b.i), nil
	case a.IsNumeric() && b.IsNumeric():
		x, y := a.Float64(), b.Float64()
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		default:
			return 0, nil
		}
	case a.kind == KindString && b.kind == KindString:
		if t.Optype == Categorical {
			return 0, fmt.Errorf("%w: categorical strings", ErrIncomparable)
		}
		return strings.Compare(a.s, b.s), nil
	default:
		return 0, fmt.Errorf("%w: %s vs %s", ErrIncomparable, a.kind, b.kind)
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Add performs cyclic-aware addition: for cyclic types the result wraps
// back into the declared range; otherwise it is plain addition.
func (t *Type) Add(v Value, delta float64) Value {
	if !v.IsValid() || !v.IsNumeric() {
		return Invalid()
	}
	if t.Cyclic {
		if t.Optype == OrdinalOp {
			return t.wrap(Int(v.Int64() + int64(delta)))
		}
		return t.wrap(Float(v.Float64() + delta))
	}
	if v.IsIntegral() && delta == math.Trunc(delta) {
		return Int(v.Int64() + int64(delta))
	}
	return Float(v.Float64() + delta)
}
