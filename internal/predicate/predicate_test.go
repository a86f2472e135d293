package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoreflow-io/scoreflow/internal/value"
)

func getter(m map[string]value.Value) value.Getter {
	return func(name string) value.Value {
		if v, ok := m[name]; ok {
			return v
		}
		return value.Missing()
	}
}

func mustSimple(t *testing.T, field string, op SimpleOp, raw string, typ *value.Type) Func {
	t.Helper()
	f, err := Simple(field, op, raw, typ)
	require.NoError(t, err)
	return f
}

func TestSimplePredicateOperators(t *testing.T) {
	typ, err := value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
	require.NoError(t, err)

	get := getter(map[string]value.Value{"x": value.Float(5)})

	tests := []struct {
		name string
		op   SimpleOp
		ref  string
		want Truth
	}{
		{name: "equal hit", op: OpEqual, ref: "5", want: True},
		{name: "equal miss", op: OpEqual, ref: "6", want: False},
		{name: "notEqual", op: OpNotEqual, ref: "6", want: True},
		{name: "lessThan", op: OpLessThan, ref: "6", want: True},
		{name: "lessOrEqual boundary", op: OpLessOrEqual, ref: "5", want: True},
		{name: "greaterThan miss", op: OpGreaterThan, ref: "5", want: False},
		{name: "greaterOrEqual boundary", op: OpGreaterOrEqual, ref: "5", want: True},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustSimple(t, "x", tt.op, tt.ref, typ)
			assert.Equal(t, tt.want, f(get, nil))
		})
	}
}

func TestSimplePredicateSentinelInputs(t *testing.T) {
	typ, err := value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
	require.NoError(t, err)

	missing := getter(map[string]value.Value{"x": value.Missing()})
	invalid := getter(map[string]value.Value{"x": value.Invalid()})

	eq := mustSimple(t, "x", OpEqual, "5", typ)
	assert.Equal(t, Unknown, eq(missing, nil))
	assert.Equal(t, Unknown, eq(invalid, nil))

	gt := mustSimple(t, "x", OpGreaterThan, "5", typ)
	assert.Equal(t, Unknown, gt(missing, nil))

	// isMissing / isNotMissing ignore INVALID and inspect MISSING only.
	isMissing := mustSimple(t, "x", OpIsMissing, "", nil)
	isNotMissing := mustSimple(t, "x", OpIsNotMissing, "", nil)
	assert.Equal(t, True, isMissing(missing, nil))
	assert.Equal(t, False, isMissing(invalid, nil))
	assert.Equal(t, False, isNotMissing(missing, nil))
	assert.Equal(t, True, isNotMissing(invalid, nil))
}

func TestSimplePredicateRejectsBadReferenceValue(t *testing.T) {
	typ, err := value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
	require.NoError(t, err)

	_, err = Simple("x", OpEqual, "not numeric", typ)
	assert.ErrorIs(t, err, ErrBadValue)
}

func TestCompoundAndShortCircuitsOnFalse(t *testing.T) {
	// A False child decides regardless of Unknown siblings.
	and, err := Compound(OpAnd, []Func{
		func(value.Getter, *Meta) Truth { return Unknown },
		AlwaysFalse(),
		func(value.Getter, *Meta) Truth { return Unknown },
	})
	require.NoError(t, err)
	assert.Equal(t, False, and(nil, nil))
}

func TestCompoundTruthTables(t *testing.T) {
	lift := func(t Truth) Func {
		return func(value.Getter, *Meta) Truth { return t }
	}

	tests := []struct {
		name     string
		op       CompoundOp
		children []Truth
		want     Truth
	}{
		{name: "and all true", op: OpAnd, children: []Truth{True, True}, want: True},
		{name: "and unknown taints", op: OpAnd, children: []Truth{True, Unknown}, want: Unknown},
		{name: "or true wins over unknown", op: OpOr, children: []Truth{Unknown, True}, want: True},
		{name: "or all false", op: OpOr, children: []Truth{False, False}, want: False},
		{name: "or unknown taints", op: OpOr, children: []Truth{False, Unknown}, want: Unknown},
		{name: "xor parity odd", op: OpXor, children: []Truth{True, False, True, True}, want: True},
		{name: "xor parity even", op: OpXor, children: []Truth{True, True}, want: False},
		{name: "xor unknown taints", op: OpXor, children: []Truth{True, Unknown, False}, want: Unknown},
		{name: "surrogate all unknown", op: OpSurrogate, children: []Truth{Unknown, Unknown}, want: Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			funcs := make([]Func, 0, len(tt.children))
			for _, c := range tt.children {
				funcs = append(funcs, lift(c))
			}
			f, err := Compound(tt.op, funcs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f(nil, nil))
		})
	}
}

func TestSurrogateCountsBypasses(t *testing.T) {
	typ, err := value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
	require.NoError(t, err)
	strType, err := value.NewType(value.Categorical, value.DataTypeString, nil, nil, false)
	require.NoError(t, err)

	surrogate, err := Compound(OpSurrogate, []Func{
		mustSimple(t, "x", OpGreaterThan, "0", typ),
		mustSimple(t, "y", OpEqual, "foo", strType),
	})
	require.NoError(t, err)

	get := getter(map[string]value.Value{
		"x": value.Missing(),
		"y": value.String("foo"),
	})

	meta := &Meta{}
	assert.Equal(t, True, surrogate(get, meta))
	assert.Equal(t, 1, meta.Unknowns)

	// A decided first child bypasses nothing.
	meta = &Meta{}
	get = getter(map[string]value.Value{"x": value.Float(1)})
	assert.Equal(t, True, surrogate(get, meta))
	assert.Equal(t, 0, meta.Unknowns)
}

func TestSimpleSetPredicate(t *testing.T) {
	members := []value.Value{value.String("a"), value.String("b")}

	isIn := SimpleSet("f", true, members)
	isNotIn := SimpleSet("f", false, members)

	assert.Equal(t, True, isIn(getter(map[string]value.Value{"f": value.String("a")}), nil))
	assert.Equal(t, False, isIn(getter(map[string]value.Value{"f": value.String("c")}), nil))
	assert.Equal(t, True, isNotIn(getter(map[string]value.Value{"f": value.String("c")}), nil))

	// MISSING and INVALID test False, never Unknown.
	assert.Equal(t, False, isIn(getter(map[string]value.Value{"f": value.Missing()}), nil))
	assert.Equal(t, False, isIn(getter(map[string]value.Value{"f": value.Invalid()}), nil))
	assert.Equal(t, False, isNotIn(getter(map[string]value.Value{"f": value.Missing()}), nil))
}

func TestNoSentinelInputsMeansDecided(t *testing.T) {
	// With no MISSING or INVALID inputs a predicate never returns Unknown.
	typ, err := value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
	require.NoError(t, err)

	children := []Func{
		mustSimple(t, "x", OpGreaterThan, "0", typ),
		mustSimple(t, "x", OpLessThan, "100", typ),
	}
	for _, op := range []CompoundOp{OpAnd, OpOr, OpXor, OpSurrogate} {
		f, err := Compound(op, children)
		require.NoError(t, err)
		got := f(getter(map[string]value.Value{"x": value.Float(50)}), nil)
		assert.NotEqual(t, Unknown, got, "op %d", op)
	}
}

func TestParseOperators(t *testing.T) {
	op, err := ParseSimpleOp("greaterOrEqual")
	require.NoError(t, err)
	assert.Equal(t, OpGreaterOrEqual, op)

	_, err = ParseSimpleOp("almost")
	assert.ErrorIs(t, err, ErrBadOperator)

	cop, err := ParseCompoundOp("surrogate")
	require.NoError(t, err)
	assert.Equal(t, OpSurrogate, cop)

	_, err = ParseCompoundOp("nand")
	assert.ErrorIs(t, err, ErrBadOperator)
}
