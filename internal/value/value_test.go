package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroValueIsMissing(t *testing.T) {
	var v Value
	assert.True(t, v.IsMissing())
	assert.False(t, v.IsValid())
}

func TestSentinelsAreNeverEqual(t *testing.T) {
	assert.False(t, Invalid().Equal(Invalid()))
	assert.False(t, Missing().Equal(Missing()))
	assert.False(t, Missing().Equal(String("Missing")))
	assert.False(t, String("x").Equal(Unknown()))
}

func TestFloatRejectsNaNAndInf(t *testing.T) {
	assert.True(t, Float(math.NaN()).IsInvalid())
	assert.True(t, Float(math.Inf(1)).IsInvalid())
	assert.True(t, Float(math.Inf(-1)).IsInvalid())
	assert.True(t, Float(1.5).IsValid())
}

func TestEqualIgnoresTrailingWhitespace(t *testing.T) {
	assert.True(t, String("abc").Equal(String("abc  ")))
	assert.True(t, String("abc\t\n").Equal(String("abc")))
	assert.False(t, String("  abc").Equal(String("abc")))
}

func TestNumericEqualityAcrossBackings(t *testing.T) {
	assert.True(t, Int(3).Equal(Float(3.0)))
	assert.False(t, Int(3).Equal(Float(3.5)))
	assert.True(t, Int(3).Equal(Int(3)))
	assert.False(t, Bool(true).Equal(Int(1)))
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want string
	}{
		{name: "int", v: Int(-7), want: "-7"},
		{name: "float", v: Float(2.5), want: "2.5"},
		{name: "bool", v: Bool(true), want: "true"},
		{name: "string", v: String("hello"), want: "hello"},
		{name: "invalid", v: Invalid(), want: "Invalid"},
		{name: "missing", v: Missing(), want: "Missing"},
		{name: "unknown", v: Unknown(), want: "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.Format())
		})
	}
}

func mustType(t *testing.T, optype Optype, dt DataType, intervals []Interval, values []string, cyclic bool) *Type {
	t.Helper()
	typ, err := NewType(optype, dt, intervals, values, cyclic)
	require.NoError(t, err)
	return typ
}

func TestCastExactlyOneOutcome(t *testing.T) {
	// For every type and raw string, exactly one of "typed value" and
	// INVALID holds; MISSING never results from a cast of present input.
	intType := mustType(t, Continuous, DataTypeInteger, nil, nil, false)
	for _, s := range []string{"5", "-3", "x", "", "2.5", "1e3", "NaN", "Inf"} {
		v := intType.Cast(s)
		assert.True(t, v.IsValid() != v.IsInvalid(), "cast(%q) = %v", s, v.Kind())
		assert.False(t, v.IsMissing())
	}
}

func TestCastInteger(t *testing.T) {
	intType := mustType(t, Continuous, DataTypeInteger, nil, nil, false)

	tests := []struct {
		raw  string
		want Value
	}{
		{raw: "42", want: Int(42)},
		{raw: " -13 ", want: Int(-13)},
		{raw: "3.0", want: Int(3)},
		{raw: "3.5", want: Invalid()},
		{raw: "forty", want: Invalid()},
	}
	for _, tt := range tests {
		got := intType.Cast(tt.raw)
		if tt.want.IsInvalid() {
			assert.True(t, got.IsInvalid(), "cast(%q)", tt.raw)
		} else {
			assert.True(t, got.Equal(tt.want), "cast(%q) = %v", tt.raw, got.Format())
		}
	}
}

func TestCastContinuousIntervals(t *testing.T) {
	lo, hi := 0.0, 10.0
	typ := mustType(t, Continuous, DataTypeDouble,
		[]Interval{{Closure: ClosedOpen, Left: &lo, Right: &hi}}, nil, false)

	assert.True(t, typ.Cast("0").IsValid())
	assert.True(t, typ.Cast("9.999").IsValid())
	assert.True(t, typ.Cast("10").IsInvalid())
	assert.True(t, typ.Cast("-0.001").IsInvalid())
}

func TestCastContinuousEnumeratedValues(t *testing.T) {
	typ := mustType(t, Continuous, DataTypeDouble, nil, []string{"1", "2.5", "4"}, false)

	assert.True(t, typ.Cast("2.5").IsValid())
	assert.True(t, typ.Cast("3").IsInvalid())
}

func TestCastOrdinalString(t *testing.T) {
	typ := mustType(t, OrdinalOp, DataTypeString, nil, []string{"low", "mid", "high"}, false)

	v := typ.Cast("mid")
	require.True(t, v.IsValid())
	assert.Equal(t, KindOrdinal, v.Kind())
	assert.Equal(t, 1, v.OrdinalIndex())

	assert.True(t, typ.Cast("unheard-of").IsInvalid())

	cmp, err := typ.Compare(typ.Cast("low"), typ.Cast("high"))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	// Equality is by member, not position.
	assert.True(t, typ.Cast("mid").Equal(String("mid")))
}

func TestOrdinalStringRequiresValues(t *testing.T) {
	_, err := NewType(OrdinalOp, DataTypeString, nil, nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrdinalValues)
}

func TestCyclicOrdinalIntegerWraps(t *testing.T) {
	typ := mustType(t, OrdinalOp, DataTypeInteger, nil, []string{"1", "12"}, true)

	// last + 1 maps to first under addition.
	dec := typ.Cast("12")
	require.True(t, dec.IsValid())
	jan := typ.Add(dec, 1)
	require.True(t, jan.IsValid())
	assert.Equal(t, int64(1), jan.Int64())

	// Casting out-of-range input wraps too.
	assert.Equal(t, int64(1), typ.Cast("13").Int64())
	assert.Equal(t, int64(12), typ.Cast("0").Int64())
}

func TestCyclicContinuousReducesModuloPeriod(t *testing.T) {
	lo, hi := 0.0, 360.0
	typ := mustType(t, Continuous, DataTypeDouble,
		[]Interval{{Closure: ClosedOpen, Left: &lo, Right: &hi}}, nil, true)

	assert.InDelta(t, 10.0, typ.Cast("370").Float64(), 1e-9)
	assert.InDelta(t, 350.0, typ.Cast("-10").Float64(), 1e-9)

	_, err := typ.Compare(typ.Cast("10"), typ.Cast("20"))
	assert.ErrorIs(t, err, ErrIncomparable)
}

func TestCyclicContinuousRequiresOneFiniteInterval(t *testing.T) {
	_, err := NewType(Continuous, DataTypeDouble, nil, nil, true)
	assert.ErrorIs(t, err, ErrCyclicRange)
}

func TestCastDateRoundTrips(t *testing.T) {
	typ := mustType(t, Continuous, DataTypeDate, nil, nil, false)

	v := typ.Cast("2011-08-15")
	require.True(t, v.IsValid())
	assert.Equal(t, "2011-08-15", v.Format())

	assert.True(t, typ.Cast("2011-13-40").IsInvalid())
	assert.True(t, typ.Cast("not a date").IsInvalid())
}

func TestCastTimeAndDateTime(t *testing.T) {
	timeType := mustType(t, Continuous, DataTypeTime, nil, nil, false)
	v := timeType.Cast("13:05:30")
	require.True(t, v.IsValid())
	assert.Equal(t, "13:05:30", v.Format())

	dtType := mustType(t, Continuous, DataTypeDateTime, nil, nil, false)
	dt := dtType.Cast("2011-08-15T13:05:30")
	require.True(t, dt.IsValid())
	assert.Equal(t, "2011-08-15T13:05:30", dt.Format())
}

func TestCastEpochRelativeTypes(t *testing.T) {
	days1960, err := ParseDataType("dateDaysSince[1960]")
	require.NoError(t, err)
	typ := mustType(t, Continuous, days1960, nil, nil, false)

	// 1960-01-02 is one day after the epoch.
	v := typ.Cast("1960-01-02")
	require.True(t, v.IsValid())
	assert.Equal(t, int64(1), v.Int64())

	// A raw count passes through.
	assert.Equal(t, int64(365), typ.Cast("365").Int64())

	secs, err := ParseDataType("dateTimeSecondsSince[1970]")
	require.NoError(t, err)
	secType := mustType(t, Continuous, secs, nil, nil, false)
	assert.Equal(t, int64(60), secType.Cast("1970-01-01T00:01:00").Int64())

	tsType, err := ParseDataType("timeSeconds")
	require.NoError(t, err)
	tt := mustType(t, Continuous, tsType, nil, nil, false)
	assert.Equal(t, int64(3661), tt.Cast("01:01:01").Int64())
}

func TestParseDataTypeRejectsUnknownEpoch(t *testing.T) {
	_, err := ParseDataType("dateDaysSince[1999]")
	assert.ErrorIs(t, err, ErrBadDataType)
}

func TestDictionary(t *testing.T) {
	d := NewDictionary()
	typ := mustType(t, Continuous, DataTypeDouble, nil, nil, false)

	require.NoError(t, d.Define("x", typ))
	err := d.Define("x", typ)
	assert.ErrorIs(t, err, ErrDuplicateField)

	got, ok := d.Lookup("x")
	require.True(t, ok)
	assert.Same(t, typ, got)

	_, ok = d.Lookup("y")
	assert.False(t, ok)

	assert.Equal(t, []string{"x"}, d.Names())
}
