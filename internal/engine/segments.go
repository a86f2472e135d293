package engine

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/scoreflow-io/scoreflow/internal/config"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

type (
	// segmentMatcher routes one event to a segment identifier. The ok
	// result is false when the event does not belong to this matcher;
	// blacklisted matchers drop matching events instead of scoring them.
	segmentMatcher struct {
		match     func(get value.Getter) (string, bool)
		blacklist bool
	}

	// router orders matchers: blacklists first, then specific segments,
	// then generic ones. Events matching nothing fall into the default
	// segment.
	router struct {
		matchers []segmentMatcher
	}
)

// defaultSegment is the identifier used when no segmentation is
// configured or no declared segment matches.
const defaultSegment = ""

func newRouter(schema *config.SegmentationSchema) (*router, error) {
	r := &router{}
	if schema == nil {
		return r, nil
	}

	for _, seg := range schema.Blacklisted {
		m, err := compileSegment(seg)
		if err != nil {
			return nil, err
		}
		m.blacklist = true
		r.matchers = append(r.matchers, m)
	}
	for _, seg := range schema.Specific {
		m, err := compileSegment(seg)
		if err != nil {
			return nil, err
		}
		r.matchers = append(r.matchers, m)
	}
	for _, seg := range schema.Generic {
		m, err := compileSegment(seg)
		if err != nil {
			return nil, err
		}
		r.matchers = append(r.matchers, m)
	}
	return r, nil
}

// route returns the segment id for an event; drop reports a blacklist
// hit.
func (r *router) route(get value.Getter) (id string, drop bool) {
	for _, m := range r.matchers {
		if segID, ok := m.match(get); ok {
			if m.blacklist {
				return "", true
			}
			return segID, false
		}
	}
	return defaultSegment, false
}

// compileSegment builds the conjunction of a segment's dimensions. The
// produced identifier strings are stable: dimensions are sorted by field
// name so that equal cells always share an id.
func compileSegment(seg config.Segment) (segmentMatcher, error) {
	type dimension struct {
		field string
		match func(v value.Value) (string, bool)
	}
	var dims []dimension

	for _, enum := range seg.Enumerated {
		enum := enum
		match, err := compileEnumerated(enum)
		if err != nil {
			return segmentMatcher{}, err
		}
		dims = append(dims, dimension{field: enum.Field, match: match})
	}
	for _, part := range seg.Partitioned {
		part := part
		match, err := compilePartitioned(part)
		if err != nil {
			return segmentMatcher{}, err
		}
		dims = append(dims, dimension{field: part.Field, match: match})
	}

	sort.SliceStable(dims, func(i, j int) bool { return dims[i].field < dims[j].field })

	return segmentMatcher{
		match: func(get value.Getter) (string, bool) {
			parts := make([]string, 0, len(dims))
			for _, d := range dims {
				v := get(d.field)
				if !v.IsValid() {
					return "", false
				}
				label, ok := d.match(v)
				if !ok {
					return "", false
				}
				parts = append(parts, d.field+"="+label)
			}
			return strings.Join(parts, ";"), true
		},
	}, nil
}

func compileEnumerated(dim config.EnumeratedDimension) (func(value.Value) (string, bool), error) {
	type sel struct {
		val   value.Value
		notEq bool
	}
	var sels []sel
	for _, s := range dim.Selections {
		switch s.Operator {
		case "", "equal":
			sels = append(sels, sel{val: literal(s.Value)})
		case "notEqual":
			sels = append(sels, sel{val: literal(s.Value), notEq: true})
		default:
			return nil, fmt.Errorf("%w: selection operator %q", config.ErrBadConfig, s.Operator)
		}
	}

	return func(v value.Value) (string, bool) {
		for _, s := range sels {
			eq := v.Equal(s.val)
			if (eq && !s.notEq) || (!eq && s.notEq) {
				return v.Format(), true
			}
		}
		return "", false
	}, nil
}

func compilePartitioned(dim config.PartitionedDimension) (func(value.Value) (string, bool), error) {
	type cell struct {
		low, high        float64
		openLow, openHigh bool
		label            string
	}
	var cells []cell

	for _, p := range dim.Partitions {
		low := math.Inf(-1)
		if p.Low != nil {
			low = *p.Low
		}
		high := math.Inf(1)
		if p.High != nil {
			high = *p.High
		}
		if high < low {
			return nil, fmt.Errorf("%w: partition high %g below low %g", config.ErrBadConfig, high, low)
		}

		closure := p.Closure
		if closure == "" {
			closure = "closedOpen"
		}
		openLow := closure == "openOpen" || closure == "openClosed"
		openHigh := closure == "openOpen" || closure == "closedOpen"

		divisions := p.Divisions
		if divisions <= 1 || math.IsInf(low, 0) || math.IsInf(high, 0) {
			cells = append(cells, cell{
				low: low, high: high, openLow: openLow, openHigh: openHigh,
				label: rangeLabel(low, high, openLow, openHigh),
			})
			continue
		}

		width := (high - low) / float64(divisions)
		for i := 0; i < divisions; i++ {
			cellLow := low + float64(i)*width
			cellHigh := cellLow + width
			if i == divisions-1 {
				cellHigh = high
			}
			// interior boundaries are half-open so cells tile the range
			cOpenLow := openLow && i == 0
			cOpenHigh := openHigh || i < divisions-1
			cells = append(cells, cell{
				low: cellLow, high: cellHigh, openLow: cOpenLow, openHigh: cOpenHigh,
				label: rangeLabel(cellLow, cellHigh, cOpenLow, cOpenHigh),
			})
		}
	}

	return func(v value.Value) (string, bool) {
		if !v.IsNumeric() {
			return "", false
		}
		x := v.Float64()
		for _, c := range cells {
			if x < c.low || (x == c.low && c.openLow) {
				continue
			}
			if x > c.high || (x == c.high && c.openHigh) {
				continue
			}
			return c.label, true
		}
		return "", false
	}, nil
}

func rangeLabel(low, high float64, openLow, openHigh bool) string {
	left, right := "[", "]"
	if openLow {
		left = "("
	}
	if openHigh {
		right = ")"
	}
	return fmt.Sprintf("%s%g,%g%s", left, low, high, right)
}

func literal(s string) value.Value {
	// numeric first, then bare string
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Float(f)
	}
	return value.String(s)
}
