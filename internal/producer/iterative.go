package producer

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/scoreflow-io/scoreflow/internal/tree"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

// Sentinel errors for the batch producer.
var (
	// ErrPruning indicates the unimplemented pruning feature was
	// requested; truncation (maxTreeDepth, minGain, minRecordCount) is
	// the supported alternative.
	ErrPruning = errors.New("pruning is not implemented")

	// ErrSubsetTooLarge indicates a subset split over a feature with too
	// many distinct values to enumerate.
	ErrSubsetTooLarge = errors.New("subset split too large; use the fast strategy")

	// ErrBadSplitStrategy indicates an unrecognized split strategy name.
	ErrBadSplitStrategy = errors.New("unrecognized split strategy")
)

// OrdinalStrategy selects the split search for ordinal and continuous
// features.
type OrdinalStrategy uint8

const (
	// OrdinalFast is golden-section search over the sorted distinct
	// values.
	OrdinalFast OrdinalStrategy = iota
	// OrdinalExhaustive tries every midpoint between consecutive distinct
	// values.
	OrdinalExhaustive
	// OrdinalMedian cuts once at the column median.
	OrdinalMedian
)

// ParseOrdinalStrategy maps the configuration name.
func ParseOrdinalStrategy(s string) (OrdinalStrategy, error) {
	switch s {
	case "", "fast":
		return OrdinalFast, nil
	case "exhaustive":
		return OrdinalExhaustive, nil
	case "median":
		return OrdinalMedian, nil
	default:
		return 0, fmt.Errorf("%w: splitOrdinal %q", ErrBadSplitStrategy, s)
	}
}

// CategoricalStrategy selects the split search for categorical features.
type CategoricalStrategy uint8

const (
	// CategoricalFast is greedy forward subset selection.
	CategoricalFast CategoricalStrategy = iota
	// CategoricalComplete is one branch per distinct value.
	CategoricalComplete
	// CategoricalSubset enumerates all proper subsets.
	CategoricalSubset
	// CategoricalSingleton is the best single value versus its
	// complement.
	CategoricalSingleton
)

// ParseCategoricalStrategy maps the configuration name.
func ParseCategoricalStrategy(s string) (CategoricalStrategy, error) {
	switch s {
	case "", "fast":
		return CategoricalFast, nil
	case "complete":
		return CategoricalComplete, nil
	case "subset":
		return CategoricalSubset, nil
	case "singleton":
		return CategoricalSingleton, nil
	default:
		return 0, fmt.Errorf("%w: splitCategorical %q", ErrBadSplitStrategy, s)
	}
}

// IterativeConfig carries the knobs of the batch grower.
type IterativeConfig struct {
	MaxTreeDepth     int // <= 0 means unlimited
	MinGain          float64
	MinRecordCount   int
	SplitOrdinal     OrdinalStrategy
	SplitCategorical CategoricalStrategy
	ClassifierField  string

	// FeatureOrdinal / FeatureCategorical override the strategy per
	// feature.
	FeatureOrdinal     map[string]OrdinalStrategy
	FeatureCategorical map[string]CategoricalStrategy

	PruningDataFraction float64
	PruningThreshold    float64
}

// DefaultIterativeConfig returns the documented defaults.
func DefaultIterativeConfig() IterativeConfig {
	return IterativeConfig{
		MaxTreeDepth:     5,
		MinGain:          0,
		MinRecordCount:   0,
		SplitOrdinal:     OrdinalFast,
		SplitCategorical: CategoricalFast,
		PruningThreshold: 0.2,
	}
}

// C45Config is the classic preset: exhaustive ordinal and subset
// categorical search, or fast-fast when fast is set.
func C45Config(fast bool) IterativeConfig {
	cfg := DefaultIterativeConfig()
	if fast {
		cfg.SplitOrdinal = OrdinalFast
		cfg.SplitCategorical = CategoricalFast
	} else {
		cfg.SplitOrdinal = OrdinalExhaustive
		cfg.SplitCategorical = CategoricalSubset
	}
	return cfg
}

// CARTConfig matches C45Config; the two presets differ only in name here.
func CARTConfig(fast bool) IterativeConfig {
	return C45Config(fast)
}

// column is one buffered feature column.
type column struct {
	numeric   []float64
	labels    []string
	vals      []value.Value // original typed values for label columns
	isNumeric bool
}

func (c *column) len() int {
	if c.isNumeric {
		return len(c.numeric)
	}
	return len(c.labels)
}

// Iterative is the batch producer: it buffers active columns during Update
// and materializes one tree on Produce.
type Iterative struct {
	cfg        IterativeConfig
	regression bool
	classifier string

	features    []string
	categorical map[string]bool
	integer     map[string]bool

	data       map[string]*column
	classKeys  []string // classification target per row
	classVals  map[string]value.Value
	regTargets []float64 // regression target per row
}

// NewIterative constructs the batch producer. It rejects the unimplemented
// pruning mode at bind time.
func NewIterative(cfg IterativeConfig, features []FeatureSpec, predicted []string, regression bool, targetNumeric bool) (*Iterative, error) {
	if cfg.PruningDataFraction > 0 {
		return nil, ErrPruning
	}
	if len(predicted) == 0 {
		return nil, ErrNoPredicted
	}

	classifier := cfg.ClassifierField
	if classifier == "" {
		classifier = predicted[0]
	} else {
		found := false
		for _, p := range predicted {
			if p == classifier {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrClassifierField, classifier)
		}
	}
	if regression && !targetNumeric {
		return nil, fmt.Errorf("%w: %q", ErrRegressionTarget, classifier)
	}

	p := &Iterative{
		cfg:         cfg,
		regression:  regression,
		classifier:  classifier,
		categorical: make(map[string]bool),
		integer:     make(map[string]bool),
		data:        make(map[string]*column),
		classVals:   make(map[string]value.Value),
	}
	for _, spec := range features {
		p.features = append(p.features, spec.Name)
		p.categorical[spec.Name] = spec.Optype == value.Categorical
		p.integer[spec.Name] = spec.Integer
		p.data[spec.Name] = &column{isNumeric: spec.Optype != value.Categorical}
	}
	return p, nil
}

// Events reports the number of buffered records.
func (p *Iterative) Events() int64 {
	if p.regression {
		return int64(len(p.regTargets))
	}
	return int64(len(p.classKeys))
}

// Update buffers one event. It reports false — buffering nothing — when
// any active value or the classifier is INVALID or MISSING.
func (p *Iterative) Update(syncNumber int64, get value.Getter) bool {
	values := make([]value.Value, len(p.features))
	for i, name := range p.features {
		v := get(name)
		if !v.IsValid() {
			return false
		}
		values[i] = v
	}

	class := get(p.classifier)
	if !class.IsValid() {
		return false
	}
	if p.regression && !class.IsNumeric() {
		return false
	}

	for i, name := range p.features {
		col := p.data[name]
		if col.isNumeric {
			col.numeric = append(col.numeric, values[i].Float64())
		} else {
			key := values[i].Format()
			col.labels = append(col.labels, key)
			col.vals = append(col.vals, values[i])
		}
	}

	if p.regression {
		p.regTargets = append(p.regTargets, class.Float64())
	} else {
		key := class.Format()
		if _, ok := p.classVals[key]; !ok {
			p.classVals[key] = class
		}
		p.classKeys = append(p.classKeys, key)
	}
	return true
}

// Produce materializes the tree from the buffered data. The buffers are
// kept, so Produce may be called repeatedly as more events arrive; runs
// over identical data with identical parameters emit identical bodies.
func (p *Iterative) Produce() (*Emitted, error) {
	n := int(p.Events())
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}

	root, err := p.grow(rows, p.features, 0, "Node-1")
	if err != nil {
		return nil, err
	}
	return root, nil
}

// grow builds one node over the given row subset, applying the stopping
// rules in order and recursing on the best proposal.
func (p *Iterative) grow(rows []int, features []string, depth int, name string) (*Emitted, error) {
	node := p.leaf(rows, name)

	if p.cfg.MaxTreeDepth > 0 && depth >= p.cfg.MaxTreeDepth {
		return node, nil
	}
	if len(features) == 0 {
		return node, nil
	}
	if p.cfg.MinRecordCount > 0 && len(rows) < p.cfg.MinRecordCount {
		return node, nil
	}

	s := p.unsplitImpurity(rows)

	var best *proposal
	bestGain := 0.0
	bestFeature := ""
	for _, feature := range features {
		prop, err := p.propose(feature, rows)
		if err != nil {
			return nil, err
		}
		if prop == nil {
			continue
		}
		gain := s + prop.gainTerm
		if best == nil || gain > bestGain {
			best = prop
			bestGain = gain
			bestFeature = feature
		}
	}

	if best == nil {
		return node, nil
	}
	if bestGain <= p.cfg.MinGain {
		return node, nil
	}

	node.Gain = bestGain

	subFeatures := features
	if best.removeFeature {
		subFeatures = make([]string, 0, len(features)-1)
		for _, f := range features {
			if f != bestFeature {
				subFeatures = append(subFeatures, f)
			}
		}
	}

	for i, branch := range best.branches {
		child, err := p.grow(branch.rows, subFeatures, depth+1, fmt.Sprintf("%s-%d", name, i+1))
		if err != nil {
			return nil, err
		}
		child.Test = branch.test
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// leaf builds the node payload for a row subset: plurality class plus a
// score distribution for classification, the subset mean for regression.
func (p *Iterative) leaf(rows []int, name string) *Emitted {
	e := &Emitted{ID: name, RecordCount: float64(len(rows))}

	if p.regression {
		total := 0.0
		for _, r := range rows {
			total += p.regTargets[r]
		}
		if len(rows) > 0 {
			e.Score = value.Float(total / float64(len(rows)))
		} else {
			e.Score = value.Missing()
		}
		return e
	}

	counts := make(map[string]float64)
	for _, r := range rows {
		counts[p.classKeys[r]]++
	}
	classes := sortedKeys(counts)

	bestCount := -1.0
	for _, class := range classes {
		if counts[class] > bestCount {
			e.Score = p.classVals[class]
			bestCount = counts[class]
		}
	}

	// distribution sorted by record count descending, value ascending
	dist := make([]tree.ScoreCount, 0, len(classes))
	for _, class := range classes {
		dist = append(dist, tree.ScoreCount{Value: class, RecordCount: counts[class], Probability: math.NaN()})
	}
	sort.SliceStable(dist, func(i, j int) bool {
		if dist[i].RecordCount != dist[j].RecordCount {
			return dist[i].RecordCount > dist[j].RecordCount
		}
		return dist[i].Value < dist[j].Value
	})
	e.Distribution = dist
	return e
}

// unsplitImpurity is the objective before any split: class entropy for
// classification, record-weighted variance for regression.
func (p *Iterative) unsplitImpurity(rows []int) float64 {
	if p.regression {
		return float64(len(rows)) * p.variance(rows)
	}
	return p.entropy(rows)
}

func (p *Iterative) entropy(rows []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	counts := make(map[string]float64)
	for _, r := range rows {
		counts[p.classKeys[r]]++
	}
	out := 0.0
	total := float64(len(rows))
	for _, c := range counts {
		frac := c / total
		if frac > 0 {
			out -= frac * math.Log2(frac)
		}
	}
	return out
}

func (p *Iterative) variance(rows []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	sum, sumSq := 0.0, 0.0
	for _, r := range rows {
		x := p.regTargets[r]
		sum += x
		sumSq += x * x
	}
	n := float64(len(rows))
	mean := sum / n
	v := sumSq/n - mean*mean
	if v < 0 {
		return 0
	}
	return v
}

// gainTermFor computes the candidate partition's contribution:
// -Σ (n_b/n)·H_b for classification, -Σ n_b·Var_b for regression.
func (p *Iterative) gainTermFor(partition [][]int, total int) float64 {
	out := 0.0
	for _, rows := range partition {
		if p.regression {
			out -= float64(len(rows)) * p.variance(rows)
		} else {
			out -= float64(len(rows)) / float64(total) * p.entropy(rows)
		}
	}
	return out
}

type (
	branchDef struct {
		test *SplitTest
		rows []int
	}

	proposal struct {
		gainTerm      float64
		branches      []branchDef
		removeFeature bool
	}
)

// propose runs the configured split strategy for one feature, returning
// nil when the feature cannot produce a split (fewer than two distinct
// values, or a single-class subset).
func (p *Iterative) propose(feature string, rows []int) (*proposal, error) {
	if !p.regression && p.classCount(rows) < 2 {
		return nil, nil
	}

	if p.categorical[feature] {
		strategy := p.cfg.SplitCategorical
		if override, ok := p.cfg.FeatureCategorical[feature]; ok {
			strategy = override
		}
		switch strategy {
		case CategoricalComplete:
			return p.completeSplit(feature, rows)
		case CategoricalSubset:
			return p.subsetSplit(feature, rows)
		case CategoricalSingleton:
			return p.singletonSplit(feature, rows)
		default:
			return p.fastSubsetSplit(feature, rows)
		}
	}

	strategy := p.cfg.SplitOrdinal
	if override, ok := p.cfg.FeatureOrdinal[feature]; ok {
		strategy = override
	}
	switch strategy {
	case OrdinalExhaustive:
		return p.exhaustiveSplit(feature, rows)
	case OrdinalMedian:
		return p.medianSplit(feature, rows)
	default:
		return p.fastOrdinalSplit(feature, rows)
	}
}

func (p *Iterative) classCount(rows []int) int {
	seen := make(map[string]bool)
	for _, r := range rows {
		seen[p.classKeys[r]] = true
	}
	return len(seen)
}

// distinctLabels returns the sorted distinct labels of a categorical
// column over a row subset, with a representative typed value each.
func (p *Iterative) distinctLabels(feature string, rows []int) ([]string, map[string]value.Value) {
	col := p.data[feature]
	vals := make(map[string]value.Value)
	for _, r := range rows {
		label := col.labels[r]
		if _, ok := vals[label]; !ok {
			vals[label] = col.vals[r]
		}
	}
	return sortedKeys2(vals), vals
}

func (p *Iterative) completeSplit(feature string, rows []int) (*proposal, error) {
	labels, vals := p.distinctLabels(feature, rows)
	if len(labels) < 2 {
		return nil, nil
	}

	col := p.data[feature]
	partition := make([][]int, len(labels))
	index := make(map[string]int, len(labels))
	for i, label := range labels {
		index[label] = i
	}
	for _, r := range rows {
		i := index[col.labels[r]]
		partition[i] = append(partition[i], r)
	}

	prop := &proposal{gainTerm: p.gainTermFor(partition, len(rows)), removeFeature: true}
	for i, label := range labels {
		prop.branches = append(prop.branches, branchDef{
			test: &SplitTest{Field: feature, Op: "equal", Value: vals[label]},
			rows: partition[i],
		})
	}
	return prop, nil
}

// subsetSplit enumerates the 2^(k-1) proper subsets. The first half of the
// enumeration covers every subset up to mirror image.
func (p *Iterative) subsetSplit(feature string, rows []int) (*proposal, error) {
	labels, vals := p.distinctLabels(feature, rows)
	if len(labels) < 2 {
		return nil, nil
	}
	if len(labels) > 24 {
		return nil, fmt.Errorf("%w: feature %q has %d distinct values", ErrSubsetTooLarge, feature, len(labels))
	}

	col := p.data[feature]
	var bestGain float64
	var bestSubset []string
	first := true

	limit := 1 << (len(labels) - 1)
	for mask := 0; mask < limit; mask++ {
		inSet := make(map[string]bool, len(labels))
		var subset []string
		for i, label := range labels {
			if mask>>(len(labels)-1-i)&1 == 1 {
				inSet[label] = true
				subset = append(subset, label)
			}
		}

		var inRows, outRows []int
		for _, r := range rows {
			if inSet[col.labels[r]] {
				inRows = append(inRows, r)
			} else {
				outRows = append(outRows, r)
			}
		}

		gain := p.gainTermFor([][]int{inRows, outRows}, len(rows))
		if first || gain > bestGain {
			bestGain = gain
			bestSubset = subset
			first = false
		}
	}

	return p.subsetProposal(feature, rows, bestSubset, vals, bestGain), nil
}

// fastSubsetSplit greedily grows the subset, considering values in order
// of decreasing class-conditional probability for the majority class, and
// keeping a value only when it improves the gain.
func (p *Iterative) fastSubsetSplit(feature string, rows []int) (*proposal, error) {
	labels, vals := p.distinctLabels(feature, rows)
	if len(labels) < 2 {
		return nil, nil
	}

	ordered := p.orderByClassProbability(feature, rows, labels)

	col := p.data[feature]
	inSet := make(map[string]bool)
	var bestSubset []string
	var bestGain float64
	first := true

	for _, label := range ordered {
		inSet[label] = true

		var inRows, outRows []int
		for _, r := range rows {
			if inSet[col.labels[r]] {
				inRows = append(inRows, r)
			} else {
				outRows = append(outRows, r)
			}
		}

		gain := p.gainTermFor([][]int{inRows, outRows}, len(rows))
		if first || gain > bestGain {
			bestGain = gain
			bestSubset = append(bestSubset, label)
			first = false
		} else {
			delete(inSet, label)
		}
	}

	if len(bestSubset) == 0 {
		return nil, nil
	}
	return p.subsetProposal(feature, rows, bestSubset, vals, bestGain), nil
}

// orderByClassProbability orders labels by decreasing P(majority class |
// label); for regression the label order itself is used.
func (p *Iterative) orderByClassProbability(feature string, rows []int, labels []string) []string {
	if p.regression {
		return labels
	}

	counts := make(map[string]float64)
	for _, r := range rows {
		counts[p.classKeys[r]]++
	}
	majority := ""
	bestCount := -1.0
	for _, class := range sortedKeys(counts) {
		if counts[class] > bestCount {
			majority = class
			bestCount = counts[class]
		}
	}

	col := p.data[feature]
	perLabel := make(map[string]*[2]float64, len(labels)) // {withMajority, total}
	for _, label := range labels {
		perLabel[label] = &[2]float64{}
	}
	for _, r := range rows {
		stats := perLabel[col.labels[r]]
		stats[1]++
		if p.classKeys[r] == majority {
			stats[0]++
		}
	}

	ordered := append([]string(nil), labels...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := perLabel[ordered[i]], perLabel[ordered[j]]
		pa, pb := 0.0, 0.0
		if a[1] > 0 {
			pa = a[0] / a[1]
		}
		if b[1] > 0 {
			pb = b[0] / b[1]
		}
		return pa > pb
	})
	return ordered
}

func (p *Iterative) subsetProposal(feature string, rows []int, subset []string, vals map[string]value.Value, gain float64) *proposal {
	inSet := make(map[string]bool, len(subset))
	for _, label := range subset {
		inSet[label] = true
	}

	col := p.data[feature]
	var inRows, outRows []int
	for _, r := range rows {
		if inSet[col.labels[r]] {
			inRows = append(inRows, r)
		} else {
			outRows = append(outRows, r)
		}
	}

	members := make([]value.Value, 0, len(subset))
	for _, label := range subset {
		members = append(members, vals[label])
	}

	// branch order: the complement first, then the subset
	return &proposal{
		gainTerm: gain,
		branches: []branchDef{
			{test: &SplitTest{Field: feature, Op: "isNotIn", Members: members}, rows: outRows},
			{test: &SplitTest{Field: feature, Op: "isIn", Members: members}, rows: inRows},
		},
	}
}

func (p *Iterative) singletonSplit(feature string, rows []int) (*proposal, error) {
	labels, vals := p.distinctLabels(feature, rows)
	if len(labels) < 2 {
		return nil, nil
	}

	col := p.data[feature]
	var bestGain float64
	bestLabel := ""
	first := true

	for _, label := range labels {
		var inRows, outRows []int
		for _, r := range rows {
			if col.labels[r] == label {
				inRows = append(inRows, r)
			} else {
				outRows = append(outRows, r)
			}
		}
		gain := p.gainTermFor([][]int{inRows, outRows}, len(rows))
		if first || gain > bestGain {
			bestGain = gain
			bestLabel = label
			first = false
		}
	}

	var inRows, outRows []int
	for _, r := range rows {
		if col.labels[r] == bestLabel {
			inRows = append(inRows, r)
		} else {
			outRows = append(outRows, r)
		}
	}

	return &proposal{
		gainTerm: bestGain,
		branches: []branchDef{
			{test: &SplitTest{Field: feature, Op: "notEqual", Value: vals[bestLabel]}, rows: outRows},
			{test: &SplitTest{Field: feature, Op: "equal", Value: vals[bestLabel]}, rows: inRows},
		},
	}, nil
}

// ordinalCuts returns the candidate cut points of a numeric column over a
// row subset: midpoints between consecutive distinct values for float
// features (so training data land strictly on one side), the values
// themselves but the last for integer features.
func (p *Iterative) ordinalCuts(feature string, rows []int) ([]float64, []float64) {
	col := p.data[feature]
	seen := make(map[float64]bool)
	var distinct []float64
	for _, r := range rows {
		x := col.numeric[r]
		if !seen[x] {
			seen[x] = true
			distinct = append(distinct, x)
		}
	}
	sort.Float64s(distinct)
	if len(distinct) < 2 {
		return nil, distinct
	}

	cuts := make([]float64, len(distinct)-1)
	for i := range cuts {
		if p.integer[feature] {
			cuts[i] = distinct[i]
		} else {
			cuts[i] = (distinct[i] + distinct[i+1]) / 2
		}
	}
	return cuts, distinct
}

func (p *Iterative) cutPartition(feature string, rows []int, cut float64) ([]int, []int) {
	col := p.data[feature]
	var le, gt []int
	for _, r := range rows {
		if col.numeric[r] <= cut {
			le = append(le, r)
		} else {
			gt = append(gt, r)
		}
	}
	return le, gt
}

func (p *Iterative) ordinalProposal(feature string, rows []int, cut, gain float64) *proposal {
	le, gt := p.cutPartition(feature, rows, cut)
	cutValue := value.Float(cut)
	if p.integer[feature] && cut == math.Trunc(cut) {
		cutValue = value.Int(int64(cut))
	}
	// branch order: lessOrEqual first, then greaterThan
	return &proposal{
		gainTerm: gain,
		branches: []branchDef{
			{test: &SplitTest{Field: feature, Op: "lessOrEqual", Value: cutValue}, rows: le},
			{test: &SplitTest{Field: feature, Op: "greaterThan", Value: cutValue}, rows: gt},
		},
	}
}

func (p *Iterative) exhaustiveSplit(feature string, rows []int) (*proposal, error) {
	cuts, _ := p.ordinalCuts(feature, rows)
	if len(cuts) == 0 {
		return nil, nil
	}

	var bestGain, bestCut float64
	first := true
	for _, cut := range cuts {
		le, gt := p.cutPartition(feature, rows, cut)
		gain := p.gainTermFor([][]int{le, gt}, len(rows))
		if first || gain > bestGain {
			bestGain = gain
			bestCut = cut
			first = false
		}
	}

	return p.ordinalProposal(feature, rows, bestCut, bestGain), nil
}

// fastOrdinalSplit is golden-section search over the index of the sorted
// distinct values, terminating when the bracket collapses to adjacent
// indices. Deterministic, and no worse than the sort that feeds it.
func (p *Iterative) fastOrdinalSplit(feature string, rows []int) (*proposal, error) {
	cuts, _ := p.ordinalCuts(feature, rows)
	if len(cuts) == 0 {
		return nil, nil
	}
	if len(cuts) == 1 {
		le, gt := p.cutPartition(feature, rows, cuts[0])
		return p.ordinalProposal(feature, rows, cuts[0], p.gainTermFor([][]int{le, gt}, len(rows))), nil
	}

	objective := func(i int) float64 {
		le, gt := p.cutPartition(feature, rows, cuts[i])
		return p.gainTermFor([][]int{le, gt}, len(rows))
	}

	resphi := 2 - (1+math.Sqrt(5))/2
	var search func(a, b, c int, fb float64) int
	search = func(a, b, c int, fb float64) int {
		var x int
		if c-b > b-a {
			x = int(math.Round(float64(b) + resphi*float64(c-b)))
		} else {
			x = int(math.Round(float64(b) - resphi*float64(b-a)))
		}
		if x == a || x == b || x == c {
			fa, fc := objective(a), objective(c)
			switch {
			case fa >= fb && fa >= fc:
				return a
			case fb >= fc:
				return b
			default:
				return c
			}
		}
		fx := objective(x)
		if fx > fb {
			if c-b > b-a {
				return search(b, x, c, fx)
			}
			return search(a, x, b, fx)
		}
		if c-b > b-a {
			return search(a, b, x, fb)
		}
		return search(x, b, c, fb)
	}

	low, high := 0, len(cuts)-1
	mid := (low + high) / 2
	best := search(low, mid, high, objective(mid))

	return p.ordinalProposal(feature, rows, cuts[best], objective(best)), nil
}

func (p *Iterative) medianSplit(feature string, rows []int) (*proposal, error) {
	col := p.data[feature]
	if len(rows) < 2 {
		return nil, nil
	}
	xs := make([]float64, len(rows))
	for i, r := range rows {
		xs[i] = col.numeric[r]
	}
	sort.Float64s(xs)
	if xs[0] == xs[len(xs)-1] {
		return nil, nil
	}

	var median float64
	if len(xs)%2 == 1 {
		median = xs[len(xs)/2]
	} else {
		median = (xs[len(xs)/2-1] + xs[len(xs)/2]) / 2
	}

	le, gt := p.cutPartition(feature, rows, median)
	if len(le) == 0 || len(gt) == 0 {
		return nil, nil
	}
	return p.ordinalProposal(feature, rows, median, p.gainTermFor([][]int{le, gt}, len(rows))), nil
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return numericAwareLess(out[i], out[j]) })
	return out
}

func sortedKeys2(m map[string]value.Value) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return numericAwareLess(out[i], out[j]) })
	return out
}

// numericAwareLess orders two labels numerically when both parse, so
// integer-labeled classes sort by magnitude rather than lexically.
func numericAwareLess(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		return fa < fb
	}
	return a < b
}
