// Package schema provides the per-model mining schema: the declaration of
// which fields a model consumes, how each is used, and the treatment policy
// applied to raw inputs before any evaluator sees them.
//
// Binding a mining field against its dictionary type produces a single
// treatment function, the fixed composition
//
//	cast → invalid policy → missing policy → outlier policy
//
// assembled once per bind. Treatment is deterministic and side-effect free.
package schema

import (
	"errors"
	"fmt"

	"github.com/scoreflow-io/scoreflow/internal/value"
)

// Sentinel errors for schema binding and treatment.
var (
	// ErrUnknownField indicates a mining field that is not in the data
	// dictionary.
	ErrUnknownField = errors.New("mining field not in data dictionary")

	// ErrBadUsageType indicates an unrecognized usageType attribute.
	ErrBadUsageType = errors.New("unrecognized usageType")

	// ErrBadTreatment indicates an unrecognized treatment attribute.
	ErrBadTreatment = errors.New("unrecognized treatment")

	// ErrInvalidValue is returned by a treatment whose policy is
	// returnInvalid when the input fails its cast.
	ErrInvalidValue = errors.New("invalid input value")

	// ErrBadReplacement indicates a missingValueReplacement that does not
	// cast under the field's type.
	ErrBadReplacement = errors.New("missingValueReplacement does not cast")
)

// UsageType declares how a model uses a field.
type UsageType uint8

const (
	// Active fields are model inputs.
	Active UsageType = iota
	// Predicted fields are model targets.
	Predicted
	// Supplementary fields are carried but not used for scoring.
	Supplementary
	// Group fields key aggregations.
	Group
	// Order fields sequence events within a group.
	Order
	// FrequencyWeight fields scale record counts.
	FrequencyWeight
	// AnalysisWeight fields scale numeric contributions.
	AnalysisWeight
)

// ParseUsageType maps the document attribute to a UsageType. The empty
// string defaults to active.
func ParseUsageType(s string) (UsageType, error) {
	switch s {
	case "", "active":
		return Active, nil
	case "predicted":
		return Predicted, nil
	case "supplementary":
		return Supplementary, nil
	case "group":
		return Group, nil
	case "order":
		return Order, nil
	case "frequencyWeight":
		return FrequencyWeight, nil
	case "analysisWeight":
		return AnalysisWeight, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadUsageType, s)
	}
}

// String returns the document spelling of the usage type.
func (u UsageType) String() string {
	switch u {
	case Predicted:
		return "predicted"
	case Supplementary:
		return "supplementary"
	case Group:
		return "group"
	case Order:
		return "order"
	case FrequencyWeight:
		return "frequencyWeight"
	case AnalysisWeight:
		return "analysisWeight"
	default:
		return "active"
	}
}

// InvalidTreatment selects the policy for values that fail their cast.
type InvalidTreatment uint8

const (
	// InvalidAsIs keeps the INVALID sentinel.
	InvalidAsIs InvalidTreatment = iota
	// InvalidAsMissing maps INVALID to MISSING.
	InvalidAsMissing
	// InvalidReturn surfaces a typed error to the caller.
	InvalidReturn
)

// ParseInvalidTreatment maps the document attribute. Empty defaults to
// returnInvalid, matching the document schema's declared default.
func ParseInvalidTreatment(s string) (InvalidTreatment, error) {
	switch s {
	case "asIs":
		return InvalidAsIs, nil
	case "asMissing":
		return InvalidAsMissing, nil
	case "", "returnInvalid":
		return InvalidReturn, nil
	default:
		return 0, fmt.Errorf("%w: invalidValueTreatment %q", ErrBadTreatment, s)
	}
}

// OutlierTreatment selects the policy for values outside [low, high].
type OutlierTreatment uint8

const (
	// OutlierAsIs keeps outliers untouched.
	OutlierAsIs OutlierTreatment = iota
	// OutlierAsMissing maps outliers to MISSING.
	OutlierAsMissing
	// OutlierAsExtremes clamps outliers to the nearer bound.
	OutlierAsExtremes
)

// ParseOutlierTreatment maps the document attribute. Empty defaults to asIs.
func ParseOutlierTreatment(s string) (OutlierTreatment, error) {
	switch s {
	case "", "asIs":
		return OutlierAsIs, nil
	case "asMissingValues":
		return OutlierAsMissing, nil
	case "asExtremeValues":
		return OutlierAsExtremes, nil
	default:
		return 0, fmt.Errorf("%w: outliers %q", ErrBadTreatment, s)
	}
}

type (
	// MiningField declares one field of a mining schema.
	MiningField struct {
		Name               string
		Usage              UsageType
		InvalidTreatment   InvalidTreatment
		MissingReplacement *string
		Outliers           OutlierTreatment
		LowValue           *float64
		HighValue          *float64
	}

	// Treatment converts a raw input into the typed value an evaluator
	// sees. The error is non-nil only under the returnInvalid policy.
	Treatment func(raw any) (value.Value, error)

	// Schema is a bound mining schema: the declared fields plus the
	// per-field treatment functions, assembled once against a data
	// dictionary.
	Schema struct {
		fields     []MiningField
		byName     map[string]int
		treatments map[string]Treatment
		types      map[string]*value.Type
	}
)

// Bind assembles the treatment function for this field against its
// dictionary type.
func (f *MiningField) Bind(t *value.Type) (Treatment, error) {
	var replacement value.Value
	if f.MissingReplacement != nil {
		replacement = t.Cast(*f.MissingReplacement)
		if !replacement.IsValid() {
			return nil, fmt.Errorf("%w: field %q, replacement %q", ErrBadReplacement, f.Name, *f.MissingReplacement)
		}
	}

	field := *f
	return func(raw any) (value.Value, error) {
		v := t.Cast(raw)

		if v.IsInvalid() {
			switch field.InvalidTreatment {
			case InvalidAsIs:
				// keep the sentinel
			case InvalidAsMissing:
				v = value.Missing()
			case InvalidReturn:
				return value.Invalid(), fmt.Errorf("%w: field %q", ErrInvalidValue, field.Name)
			}
		}

		if v.IsMissing() && field.MissingReplacement != nil {
			v = replacement
		}

		if v.IsValid() && v.IsNumeric() && field.Outliers != OutlierAsIs {
			x := v.Float64()
			below := field.LowValue != nil && x < *field.LowValue
			above := field.HighValue != nil && x > *field.HighValue
			if below || above {
				switch field.Outliers {
				case OutlierAsMissing:
					v = value.Missing()
				case OutlierAsExtremes:
					if below {
						v = t.Cast(*field.LowValue)
					} else {
						v = t.Cast(*field.HighValue)
					}
				}
			}
		}

		return v, nil
	}, nil
}

// NewSchema binds a list of mining fields against the data dictionary.
func NewSchema(fields []MiningField, dict *value.Dictionary) (*Schema, error) {
	s := &Schema{
		fields:     fields,
		byName:     make(map[string]int, len(fields)),
		treatments: make(map[string]Treatment, len(fields)),
		types:      make(map[string]*value.Type, len(fields)),
	}

	for i, f := range fields {
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("%w: %q listed twice", value.ErrDuplicateField, f.Name)
		}
		t, ok := dict.Lookup(f.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, f.Name)
		}

		treat, err := f.Bind(t)
		if err != nil {
			return nil, err
		}

		s.byName[f.Name] = i
		s.treatments[f.Name] = treat
		s.types[f.Name] = t
	}

	return s, nil
}

// Fields returns the declared fields in declaration order.
func (s *Schema) Fields() []MiningField { return s.fields }

// Field looks up a declared field by name.
func (s *Schema) Field(name string) (MiningField, bool) {
	i, ok := s.byName[name]
	if !ok {
		return MiningField{}, false
	}
	return s.fields[i], true
}

// Treatment returns the bound treatment function for a field.
func (s *Schema) Treatment(name string) (Treatment, bool) {
	t, ok := s.treatments[name]
	return t, ok
}

// Treatments returns the full name → treatment map. The map is shared and
// must be treated as read-only.
func (s *Schema) Treatments() map[string]Treatment { return s.treatments }

// Type returns the dictionary type of a declared field.
func (s *Schema) Type(name string) (*value.Type, bool) {
	t, ok := s.types[name]
	return t, ok
}

// Names returns every declared field name in declaration order.
func (s *Schema) Names() []string {
	out := make([]string, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, f.Name)
	}
	return out
}

// ByUsage returns the names of fields with the given usage, in declaration
// order.
func (s *Schema) ByUsage(usage UsageType) []string {
	var out []string
	for _, f := range s.fields {
		if f.Usage == usage {
			out = append(out, f.Name)
		}
	}
	return out
}
