// Package value provides the typed value cell used throughout the scoring
// engine, together with the three process-wide sentinels.
//
// A Value is a tagged union of the concrete data kinds a field can carry
// (string, integer, float, boolean, the date/time family, cyclic numbers and
// ordinal enumeration members) plus the three distinguished sentinels:
//
//   - INVALID — the input violated a type, interval, or enumeration
//   - MISSING — the value was absent at source or mapped to missing
//   - UNKNOWN — a three-valued logic operation could not decide the truth
//
// Sentinels are never confused with user data: a Value is exactly one of a
// concrete value or a sentinel, and the inspectors IsValid, IsInvalid,
// IsMissing and IsUnknown partition the space.
package value

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies which member of the tagged union a Value holds.
type Kind uint8

// Concrete kinds first, sentinels last.
const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindDate
	KindTime
	KindDateTime
	KindCyclicInt
	KindCyclicFloat
	KindOrdinal

	KindInvalid
	KindMissing
	KindUnknown
)

// String returns the kind name used in logs and error messages.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "boolean"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindDateTime:
		return "dateTime"
	case KindCyclicInt:
		return "cyclicInteger"
	case KindCyclicFloat:
		return "cyclicFloat"
	case KindOrdinal:
		return "ordinal"
	case KindInvalid:
		return "Invalid"
	case KindMissing:
		return "Missing"
	case KindUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

type (
	// Value is a typed value cell. The zero value is MISSING, so an
	// unpopulated cell never masquerades as user data.
	//
	// Values are small and immutable; pass them by value.
	Value struct {
		kind Kind

		// Exactly one of the following carries the payload, selected by kind.
		// Ordinal values use both: s is the enumeration member, i its index.
		s string
		i int64
		f float64
		b bool
	}

	// Getter resolves a field name to a typed value. It is the single seam
	// between the evaluators (expressions, predicates, tree walks, producer
	// updates) and the data context that feeds them.
	Getter func(name string) Value
)

// The three sentinels.
var (
	invalid = Value{kind: KindInvalid}
	missing = Value{kind: KindMissing}
	unknown = Value{kind: KindUnknown}
)

// Invalid returns the INVALID sentinel.
func Invalid() Value { return invalid }

// Missing returns the MISSING sentinel.
func Missing() Value { return missing }

// Unknown returns the UNKNOWN sentinel.
func Unknown() Value { return unknown }

// String wraps a raw string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int wraps an integer.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a float. NaN and Inf are not representable values and
// collapse to INVALID.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return invalid
	}
	return Value{kind: KindFloat, f: f}
}

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Date wraps a count of milliseconds since the Unix epoch, at midnight of
// the represented day.
func Date(ms int64) Value { return Value{kind: KindDate, i: ms} }

// Time wraps a count of milliseconds since midnight.
func Time(ms int64) Value { return Value{kind: KindTime, i: ms} }

// DateTime wraps a count of milliseconds since the Unix epoch.
func DateTime(ms int64) Value { return Value{kind: KindDateTime, i: ms} }

// CyclicInt wraps an integer belonging to a cyclic range.
func CyclicInt(i int64) Value { return Value{kind: KindCyclicInt, i: i} }

// CyclicFloat wraps a float belonging to a cyclic period.
func CyclicFloat(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return invalid
	}
	return Value{kind: KindCyclicFloat, f: f}
}

// Ordinal wraps an enumeration member together with its position in the
// enumerated value list. Equality is by member, comparison by position.
func Ordinal(member string, index int) Value {
	return Value{kind: KindOrdinal, s: member, i: int64(index)}
}

// Kind reports which union member the value holds.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value is concrete user data (not a sentinel).
func (v Value) IsValid() bool { return v.kind < KindInvalid }

// IsInvalid reports whether the value is the INVALID sentinel.
func (v Value) IsInvalid() bool { return v.kind == KindInvalid }

// IsMissing reports whether the value is the MISSING sentinel.
func (v Value) IsMissing() bool { return v.kind == KindMissing }

// IsUnknown reports whether the value is the UNKNOWN sentinel.
func (v Value) IsUnknown() bool { return v.kind == KindUnknown }

// IsSentinel reports whether the value is any of the three sentinels.
func (v Value) IsSentinel() bool { return v.kind >= KindInvalid }

// IsNumeric reports whether the value participates in arithmetic.
func (v Value) IsNumeric() bool {
	switch v.kind {
	case KindInt, KindFloat, KindCyclicInt, KindCyclicFloat,
		KindDate, KindTime, KindDateTime:
		return true
	default:
		return false
	}
}

// Str returns the string payload. Valid for KindString and KindOrdinal.
func (v Value) Str() string { return v.s }

// Int64 returns the integer payload. Valid for the integer-backed kinds.
func (v Value) Int64() int64 { return v.i }

// Float64 returns the numeric payload widened to float64, regardless of
// whether the value is integer- or float-backed.
func (v Value) Float64() float64 {
	switch v.kind {
	case KindFloat, KindCyclicFloat:
		return v.f
	case KindInt, KindCyclicInt, KindDate, KindTime, KindDateTime:
		return float64(v.i)
	default:
		return 0
	}
}

// Boolean returns the boolean payload.
func (v Value) Boolean() bool { return v.b }

// OrdinalIndex returns an ordinal member's position in its enumeration.
func (v Value) OrdinalIndex() int { return int(v.i) }

// IsIntegral reports whether the value is backed by an integer count.
func (v Value) IsIntegral() bool {
	switch v.kind {
	case KindInt, KindCyclicInt, KindDate, KindTime, KindDateTime:
		return true
	default:
		return false
	}
}

// Equal reports whether two values are equal user data. Sentinels are never
// equal to anything, including each other. String comparison ignores
// trailing whitespace, matching the built-in function table.
func (v Value) Equal(o Value) bool {
	if v.IsSentinel() || o.IsSentinel() {
		return false
	}

	switch {
	case v.kind == KindString || v.kind == KindOrdinal:
		if o.kind != KindString && o.kind != KindOrdinal {
			return false
		}
		return trimTrailing(v.s) == trimTrailing(o.s)
	case v.kind == KindBool || o.kind == KindBool:
		return v.kind == o.kind && v.b == o.b
	case v.IsNumeric() && o.IsNumeric():
		if v.IsIntegral() && o.IsIntegral() {
			return v.i == o.i
		}
		return v.Float64() == o.Float64()
	default:
		return false
	}
}

// Format renders the value the way the output layer and array serializers
// expect: integers without exponent, floats in shortest round-trip form,
// sentinels by their canonical names.
func (v Value) Format() string {
	switch v.kind {
	case KindString, KindOrdinal:
		return v.s
	case KindInt, KindCyclicInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat, KindCyclicFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindDate:
		return formatDate(v.i)
	case KindTime:
		return formatTime(v.i)
	case KindDateTime:
		return formatDateTime(v.i)
	case KindInvalid:
		return "Invalid"
	case KindMissing:
		return "Missing"
	case KindUnknown:
		return "Unknown"
	default:
		return ""
	}
}

func trimTrailing(s string) string {
	end := len(s)
	for end > 0 {
		switch s[end-1] {
		case ' ', '\t', '\n', '\r':
			end--
		default:
			return s[:end]
		}
	}
	return s[:end]
}
