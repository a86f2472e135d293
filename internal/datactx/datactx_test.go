package datactx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoreflow-io/scoreflow/internal/schema"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

func mapProvider(m map[string]any) Provider {
	return func(name string) (any, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func doubleTreatments(t *testing.T, names ...string) map[string]schema.Treatment {
	t.Helper()
	typ, err := value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
	require.NoError(t, err)

	out := make(map[string]schema.Treatment, len(names))
	for _, name := range names {
		f := schema.MiningField{Name: name, InvalidTreatment: schema.InvalidAsIs}
		treat, err := f.Bind(typ)
		require.NoError(t, err)
		out[name] = treat
	}
	return out
}

func TestGetCastsAndTreatsRawInput(t *testing.T) {
	ctx := New(mapProvider(map[string]any{"x": "2.5"}), doubleTreatments(t, "x"), nil)

	v := ctx.Get("x")
	require.True(t, v.IsValid())
	assert.Equal(t, 2.5, v.Float64())
}

func TestGetUnknownNameIsMissing(t *testing.T) {
	ctx := New(mapProvider(nil), nil, nil)
	assert.True(t, ctx.Get("nowhere").IsMissing())
}

func TestGetCachesPerEvent(t *testing.T) {
	calls := 0
	provider := func(name string) (any, bool) {
		calls++
		return "1", true
	}
	ctx := New(provider, doubleTreatments(t, "x"), nil)

	ctx.Get("x")
	ctx.Get("x")
	assert.Equal(t, 1, calls)

	ctx.Clear()
	ctx.Get("x")
	assert.Equal(t, 2, calls)
}

func TestOverrideShadowsEverythingVerbatim(t *testing.T) {
	ctx := New(mapProvider(map[string]any{"x": "1"}), doubleTreatments(t, "x"), nil)

	// Overrides bypass cast and treatment entirely.
	ctx.PushOverride(map[string]value.Value{"x": value.String("raw")}, true)
	v := ctx.Get("x")
	assert.Equal(t, value.KindString, v.Kind())
	assert.Equal(t, "raw", v.Str())

	ctx.PopOverride()
	assert.Equal(t, 1.0, ctx.Get("x").Float64())
}

func TestOverrideWithCacheDisabledSuppressesWrites(t *testing.T) {
	calls := 0
	provider := func(name string) (any, bool) {
		calls++
		return "1", true
	}
	ctx := New(provider, doubleTreatments(t, "x"), nil)

	ctx.PushOverride(map[string]value.Value{"other": value.Int(0)}, false)
	ctx.Get("x")
	ctx.Get("x")
	assert.Equal(t, 2, calls, "cache writes must be suppressed under a no-cache frame")

	ctx.PopOverride()
	ctx.Get("x")
	ctx.Get("x")
	assert.Equal(t, 3, calls)
}

func TestNestedOverridesAreStacked(t *testing.T) {
	ctx := New(mapProvider(nil), nil, nil)

	ctx.PushOverride(map[string]value.Value{"p": value.Int(1)}, true)
	ctx.PushOverride(map[string]value.Value{"p": value.Int(2)}, true)
	assert.Equal(t, int64(2), ctx.Get("p").Int64())

	ctx.PopOverride()
	assert.Equal(t, int64(1), ctx.Get("p").Int64())

	ctx.PopOverride()
	assert.True(t, ctx.Get("p").IsMissing())
}

func TestDerivedFieldEvaluation(t *testing.T) {
	derived := map[string]Derived{
		"double_x": func(c *Context) value.Value {
			x := c.Get("x")
			if !x.IsValid() {
				return x
			}
			return value.Float(x.Float64() * 2)
		},
	}
	ctx := New(mapProvider(map[string]any{"x": "3"}), doubleTreatments(t, "x"), derived)

	assert.Equal(t, 6.0, ctx.Get("double_x").Float64())
}

func TestSelfReferentialDerivedFieldIsInvalid(t *testing.T) {
	derived := map[string]Derived{}
	derived["loop"] = func(c *Context) value.Value { return c.Get("loop") }
	ctx := New(mapProvider(nil), nil, derived)

	assert.True(t, ctx.Get("loop").IsInvalid())
}

func TestParentChaining(t *testing.T) {
	parent := New(mapProvider(map[string]any{"x": "4"}), doubleTreatments(t, "x"), nil)
	child := NewChild(parent, nil, map[string]Derived{
		"x_plus_one": func(c *Context) value.Value {
			return value.Float(c.Get("x").Float64() + 1)
		},
	})

	assert.Equal(t, 4.0, child.Get("x").Float64())
	assert.Equal(t, 5.0, child.Get("x_plus_one").Float64())

	// Overrides pushed on the child reach the parent chain.
	child.PushOverride(map[string]value.Value{"x": value.Float(10)}, true)
	assert.Equal(t, 10.0, parent.Get("x").Float64())
	child.PopOverride()
}

func TestReturnInvalidSurfacesViaErr(t *testing.T) {
	typ, err := value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
	require.NoError(t, err)
	f := schema.MiningField{Name: "x", InvalidTreatment: schema.InvalidReturn}
	treat, err := f.Bind(typ)
	require.NoError(t, err)

	ctx := New(mapProvider(map[string]any{"x": "junk"}), map[string]schema.Treatment{"x": treat}, nil)

	v := ctx.Get("x")
	assert.True(t, v.IsInvalid())
	assert.ErrorIs(t, ctx.Err(), schema.ErrInvalidValue)

	ctx.Clear()
	assert.NoError(t, ctx.Err())
}

func TestNilRawIsMissingThenReplaced(t *testing.T) {
	typ, err := value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
	require.NoError(t, err)
	repl := "9"
	f := schema.MiningField{Name: "x", MissingReplacement: &repl}
	treat, err := f.Bind(typ)
	require.NoError(t, err)

	ctx := New(mapProvider(map[string]any{"x": nil}), map[string]schema.Treatment{"x": treat}, nil)
	assert.Equal(t, 9.0, ctx.Get("x").Float64())
}
