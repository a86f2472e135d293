package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoreflow-io/scoreflow/internal/value"
)

func doubleType(t *testing.T) *value.Type {
	t.Helper()
	typ, err := value.NewType(value.Continuous, value.DataTypeDouble, nil, nil, false)
	require.NoError(t, err)
	return typ
}

func strPtr(s string) *string    { return &s }
func f64Ptr(f float64) *float64  { return &f }

func TestTreatmentInvalidPolicies(t *testing.T) {
	typ := doubleType(t)

	tests := []struct {
		name        string
		policy      InvalidTreatment
		wantInvalid bool
		wantMissing bool
		wantErr     bool
	}{
		{name: "asIs keeps sentinel", policy: InvalidAsIs, wantInvalid: true},
		{name: "asMissing maps to missing", policy: InvalidAsMissing, wantMissing: true},
		{name: "returnInvalid surfaces error", policy: InvalidReturn, wantInvalid: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := MiningField{Name: "x", InvalidTreatment: tt.policy}
			treat, err := f.Bind(typ)
			require.NoError(t, err)

			v, err := treat("not-a-number")
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidValue)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantInvalid, v.IsInvalid())
			assert.Equal(t, tt.wantMissing, v.IsMissing())
		})
	}
}

func TestTreatmentMissingReplacement(t *testing.T) {
	typ := doubleType(t)
	f := MiningField{Name: "x", MissingReplacement: strPtr("3.5")}
	treat, err := f.Bind(typ)
	require.NoError(t, err)

	v, err := treat(nil)
	require.NoError(t, err)
	require.True(t, v.IsValid())
	assert.Equal(t, 3.5, v.Float64())

	// A present value is untouched.
	v, err = treat("7")
	require.NoError(t, err)
	assert.Equal(t, 7.0, v.Float64())
}

func TestTreatmentInvalidThenMissingReplacement(t *testing.T) {
	// Composition order: invalid → missing. asMissing followed by a
	// replacement substitutes the replacement for invalid input.
	typ := doubleType(t)
	f := MiningField{Name: "x", InvalidTreatment: InvalidAsMissing, MissingReplacement: strPtr("0")}
	treat, err := f.Bind(typ)
	require.NoError(t, err)

	v, err := treat("garbage")
	require.NoError(t, err)
	require.True(t, v.IsValid())
	assert.Equal(t, 0.0, v.Float64())
}

func TestTreatmentOutliers(t *testing.T) {
	typ := doubleType(t)

	tests := []struct {
		name   string
		policy OutlierTreatment
		raw    string
		check  func(t *testing.T, v value.Value)
	}{
		{
			name: "asIs keeps outlier", policy: OutlierAsIs, raw: "100",
			check: func(t *testing.T, v value.Value) { assert.Equal(t, 100.0, v.Float64()) },
		},
		{
			name: "asMissingValues drops outlier", policy: OutlierAsMissing, raw: "100",
			check: func(t *testing.T, v value.Value) { assert.True(t, v.IsMissing()) },
		},
		{
			name: "asExtremeValues clamps high", policy: OutlierAsExtremes, raw: "100",
			check: func(t *testing.T, v value.Value) { assert.Equal(t, 10.0, v.Float64()) },
		},
		{
			name: "asExtremeValues clamps low", policy: OutlierAsExtremes, raw: "-100",
			check: func(t *testing.T, v value.Value) { assert.Equal(t, 0.0, v.Float64()) },
		},
		{
			name: "in-range untouched", policy: OutlierAsExtremes, raw: "5",
			check: func(t *testing.T, v value.Value) { assert.Equal(t, 5.0, v.Float64()) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := MiningField{Name: "x", Outliers: tt.policy, LowValue: f64Ptr(0), HighValue: f64Ptr(10)}
			treat, err := f.Bind(typ)
			require.NoError(t, err)

			v, err := treat(tt.raw)
			require.NoError(t, err)
			tt.check(t, v)
		})
	}
}

func TestBindRejectsBadReplacement(t *testing.T) {
	typ := doubleType(t)
	f := MiningField{Name: "x", MissingReplacement: strPtr("not numeric")}
	_, err := f.Bind(typ)
	assert.ErrorIs(t, err, ErrBadReplacement)
}

func TestNewSchema(t *testing.T) {
	dict := value.NewDictionary()
	require.NoError(t, dict.Define("x", doubleType(t)))
	require.NoError(t, dict.Define("y", doubleType(t)))

	s, err := NewSchema([]MiningField{
		{Name: "x", Usage: Active},
		{Name: "y", Usage: Predicted},
	}, dict)
	require.NoError(t, err)

	assert.Equal(t, []string{"x"}, s.ByUsage(Active))
	assert.Equal(t, []string{"y"}, s.ByUsage(Predicted))

	_, ok := s.Treatment("x")
	assert.True(t, ok)
	_, ok = s.Treatment("z")
	assert.False(t, ok)
}

func TestNewSchemaRejectsUnknownField(t *testing.T) {
	dict := value.NewDictionary()
	_, err := NewSchema([]MiningField{{Name: "ghost"}}, dict)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestParseUsageType(t *testing.T) {
	u, err := ParseUsageType("")
	require.NoError(t, err)
	assert.Equal(t, Active, u)

	_, err = ParseUsageType("bogus")
	assert.ErrorIs(t, err, ErrBadUsageType)
}
