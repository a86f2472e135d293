package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoreflow-io/scoreflow/internal/value"
)

func compileAggregate(t *testing.T, n Aggregate) (*Reduction, Func) {
	t.Helper()
	c := &Compiler{}
	f, err := c.Compile(n)
	require.NoError(t, err)
	require.Len(t, c.Reductions(), 1)
	return c.Reductions()[0], f
}

func TestAggregateSumWithGrouping(t *testing.T) {
	red, eval := compileAggregate(t, Aggregate{Field: "x", Function: AggSum, GroupField: "g"})

	stream := []map[string]value.Value{
		{"x": value.Float(1), "g": value.String("a")},
		{"x": value.Float(2), "g": value.String("a")},
		{"x": value.Float(10), "g": value.String("b")},
	}
	for i, event := range stream {
		red.Increment(int64(i), newEnv(event))
	}

	assert.Equal(t, 3.0, eval(newEnv(map[string]value.Value{"g": value.String("a")})).Float64())
	assert.Equal(t, 10.0, eval(newEnv(map[string]value.Value{"g": value.String("b")})).Float64())

	// An unseen group is an empty group: INVALID.
	assert.True(t, eval(newEnv(map[string]value.Value{"g": value.String("c")})).IsInvalid())

	// A MISSING grouping key is MISSING.
	assert.True(t, eval(newEnv(nil)).IsMissing())
}

func TestAggregateFunctions(t *testing.T) {
	tests := []struct {
		name string
		fn   AggFunc
		want float64
	}{
		{name: "count", fn: AggCount, want: 4},
		{name: "sum", fn: AggSum, want: 10},
		{name: "average", fn: AggAverage, want: 2.5},
		{name: "min", fn: AggMin, want: 1},
		{name: "max", fn: AggMax, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			red, eval := compileAggregate(t, Aggregate{Field: "x", Function: tt.fn})
			for i, x := range []float64{1, 2, 3, 4} {
				red.Increment(int64(i), newEnv(map[string]value.Value{"x": value.Float(x)}))
			}
			assert.Equal(t, tt.want, eval(newEnv(nil)).Float64())
		})
	}
}

func TestAggregateEmptyIsInvalid(t *testing.T) {
	_, eval := compileAggregate(t, Aggregate{Field: "x", Function: AggCount})
	assert.True(t, eval(newEnv(nil)).IsInvalid())
}

func TestAggregateSkipsSentinelsAndFlushResets(t *testing.T) {
	red, eval := compileAggregate(t, Aggregate{Field: "x", Function: AggCount})

	red.Increment(0, newEnv(map[string]value.Value{"x": value.Float(1)}))
	red.Increment(1, newEnv(map[string]value.Value{"x": value.Missing()}))
	red.Increment(2, newEnv(map[string]value.Value{"x": value.Invalid()}))
	red.Increment(3, newEnv(map[string]value.Value{"x": value.Float(2)}))

	assert.Equal(t, int64(2), eval(newEnv(nil)).Int64())

	red.Flush()
	assert.True(t, eval(newEnv(nil)).IsInvalid())
}

func TestAggregateSQLWhereFilter(t *testing.T) {
	red, eval := compileAggregate(t, Aggregate{
		Field:    "x",
		Function: AggSum,
		SQLWhere: "region = 'north'",
	})

	red.Increment(0, newEnv(map[string]value.Value{"x": value.Float(5), "region": value.String("north")}))
	red.Increment(1, newEnv(map[string]value.Value{"x": value.Float(7), "region": value.String("south")}))

	assert.Equal(t, 5.0, eval(newEnv(nil)).Float64())
}

func TestCompileWhere(t *testing.T) {
	tests := []struct {
		name   string
		clause string
		event  map[string]value.Value
		want   bool
	}{
		{
			name: "equality", clause: "status = 'ok'",
			event: map[string]value.Value{"status": value.String("ok")}, want: true,
		},
		{
			name: "inequality", clause: "x <> 3",
			event: map[string]value.Value{"x": value.Int(4)}, want: true,
		},
		{
			name: "greater", clause: "x > 2.5",
			event: map[string]value.Value{"x": value.Float(3)}, want: true,
		},
		{
			name: "greaterOrEqual not confused with greater", clause: "x >= 3",
			event: map[string]value.Value{"x": value.Int(3)}, want: true,
		},
		{
			name: "between inclusive", clause: "x BETWEEN 1 AND 5",
			event: map[string]value.Value{"x": value.Int(5)}, want: true,
		},
		{
			name: "between outside", clause: "x BETWEEN 1 AND 5",
			event: map[string]value.Value{"x": value.Int(6)}, want: false,
		},
		{
			name: "like", clause: "name LIKE 'a%c_'",
			event: map[string]value.Value{"name": value.String("abbbcd")}, want: true,
		},
		{
			name: "like literal dot not wildcard", clause: "name LIKE 'a.c'",
			event: map[string]value.Value{"name": value.String("abc")}, want: false,
		},
		{
			name: "in list", clause: "state IN ('IL', 'WI')",
			event: map[string]value.Value{"state": value.String("WI")}, want: true,
		},
		{
			name: "missing field never matches", clause: "x > 0",
			event: nil, want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := compileWhere(tt.clause)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f(newEnv(tt.event)))
		})
	}
}

func TestCompileWhereRejectsUnsupportedInput(t *testing.T) {
	for _, clause := range []string{
		"",
		"x ~ 3",
		"x > 1 AND y < 2", // conjunctions are outside the grammar
		"x BETWEEN 1",
		"x IN (1, 2",
		"x = 'unterminated",
	} {
		t.Run(clause, func(t *testing.T) {
			_, err := compileWhere(clause)
			assert.ErrorIs(t, err, ErrBadWhere, "clause %q must be rejected", clause)
		})
	}
}
