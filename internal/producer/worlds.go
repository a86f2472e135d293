package producer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/scoreflow-io/scoreflow/internal/value"
)

// Sentinel errors for producer configuration.
var (
	// ErrNoPredicted indicates a mining schema with no predicted field.
	ErrNoPredicted = errors.New("no predicted field in mining schema")

	// ErrClassifierField indicates a classifierField that is not among
	// the predicted fields.
	ErrClassifierField = errors.New("classifierField not among predicted fields")

	// ErrRegressionTarget indicates a regression target that is not
	// numeric.
	ErrRegressionTarget = errors.New("regression requires a numeric predicted field")

	// ErrUpdateExisting indicates the unimplemented updateExisting mode.
	ErrUpdateExisting = errors.New("updating an existing model body is not implemented; use replaceExisting")
)

// WorldsConfig carries the knobs of the incremental grower. Defaults match
// the streaming algorithm's documented values.
type WorldsConfig struct {
	FeatureMaturityThreshold int
	SplitMaturityThreshold   int
	TrialsToKeep             int
	WorldsToSplit            int
	TreeDepth                int
	ClassifierField          string // empty: first predicted field
	Seed                     int64
}

// DefaultWorldsConfig returns the documented defaults.
func DefaultWorldsConfig() WorldsConfig {
	return WorldsConfig{
		FeatureMaturityThreshold: 10,
		SplitMaturityThreshold:   30,
		TrialsToKeep:             50,
		WorldsToSplit:            3,
		TreeDepth:                3,
	}
}

// FeatureSpec describes one active field for a producer.
type FeatureSpec struct {
	Name    string
	Optype  value.Optype
	Integer bool
	// OrdinalValues lists the enumeration of an ordinal string feature;
	// such features are mature from the start.
	OrdinalValues []value.Value
}

// handles into the arenas
type (
	splitID int
	worldID int
)

// feature accumulates per-field running statistics and matures once enough
// records have arrived.
type feature struct {
	spec FeatureSpec

	// categorical / ordinal-string observed values, in first-seen order
	values []value.Value
	seen   map[string]bool

	// continuous first moments
	sum1, sumx, sumxx float64

	maturityCounter int
	mature          bool
	threshold       int
}

func newFeature(spec FeatureSpec, threshold int) *feature {
	f := &feature{spec: spec, seen: make(map[string]bool), threshold: threshold}
	if spec.Optype == value.OrdinalOp && len(spec.OrdinalValues) > 0 {
		f.values = append(f.values, spec.OrdinalValues...)
		f.mature = true
	}
	return f
}

func (f *feature) increment(v value.Value) {
	if !v.IsValid() {
		return
	}
	switch f.spec.Optype {
	case value.Categorical:
		key := v.Format()
		if !f.seen[key] {
			f.seen[key] = true
			f.values = append(f.values, v)
		}
	case value.Continuous:
		x := v.Float64()
		f.sum1++
		f.sumx += x
		f.sumxx += x * x
	default:
		return // ordinal-string features are pre-enumerated
	}

	if f.maturityCounter < f.threshold {
		f.maturityCounter++
	} else {
		f.mature = true
	}
}

func (f *feature) mean() float64 {
	if f.sum1 == 0 {
		return 0
	}
	return f.sumx / f.sum1
}

func (f *feature) stdev() float64 {
	if f.sum1 == 0 {
		return 0
	}
	variance := f.sumxx/f.sum1 - (f.sumx/f.sum1)*(f.sumx/f.sum1)
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// randomSplit samples a fresh candidate split from this feature's running
// statistics: a uniform pick from the observed set for categorical and
// ordinal features, a Gaussian draw around the running mean for continuous
// ones (rounded for integer features).
func (f *feature) randomSplit(rng *rand.Rand, regression bool) *split {
	s := &split{field: f.spec.Name, regression: regression}
	switch f.spec.Optype {
	case value.Categorical:
		s.equal = true
		s.value = f.values[rng.Intn(len(f.values))]
	case value.Continuous:
		x := rng.NormFloat64()*f.stdev() + f.mean()
		if f.spec.Integer {
			s.value = value.Int(int64(math.Round(x)))
		} else {
			s.value = value.Float(x)
		}
	default:
		s.value = f.values[rng.Intn(len(f.values))]
	}
	return s
}

// split is one candidate binary test with its sufficient statistics:
// per-classification counts for classification, first-moment trios for
// regression, each kept for the unconditional subset and both branches.
type split struct {
	field string
	equal bool // equal test; otherwise greaterThan
	value value.Value

	regression bool

	// classification counts, indexed [none, true, false]
	totals     [3]float64
	perClass   map[string][3]float64
	classOrder []string
	classVals  map[string]value.Value

	// regression moments, indexed [none, true, false]
	sum1, sumx, sumxx [3]float64

	maturityCounter int
	threshold       int
	mature          bool
	gainCache       float64
}

const (
	branchNone  = 0
	branchTrue  = 1
	branchFalse = 2
)

func (s *split) decision(get value.Getter) bool {
	v := get(s.field)
	if s.equal {
		return v.Equal(s.value)
	}
	greater, ok := numericGreater(v, s.value)
	return ok && greater
}

func (s *split) test(branch bool) *SplitTest {
	var op string
	switch {
	case s.equal && branch:
		op = "equal"
	case s.equal:
		op = "notEqual"
	case branch:
		op = "greaterThan"
	default:
		op = "lessOrEqual"
	}
	return &SplitTest{Field: s.field, Op: op, Value: s.value}
}

func (s *split) increment(get value.Getter, class value.Value) {
	branch := branchFalse
	if s.decision(get) {
		branch = branchTrue
	}

	if s.regression {
		x := class.Float64()
		for _, b := range []int{branchNone, branch} {
			s.sum1[b]++
			s.sumx[b] += x
			s.sumxx[b] += x * x
		}
	} else {
		key := class.Format()
		if s.perClass == nil {
			s.perClass = make(map[string][3]float64)
			s.classVals = make(map[string]value.Value)
		}
		if _, ok := s.perClass[key]; !ok {
			s.perClass[key] = [3]float64{}
			s.classOrder = append(s.classOrder, key)
			s.classVals[key] = class
		}
		counts := s.perClass[key]
		counts[branchNone]++
		counts[branch]++
		s.perClass[key] = counts

		s.totals[branchNone]++
		s.totals[branch]++
	}

	s.maturityCounter++
	if s.maturityCounter >= s.threshold {
		s.mature = true
	}
}

func (s *split) entropy(branch int) float64 {
	total := s.totals[branch]
	if total == 0 {
		return 0
	}
	out := 0.0
	for _, key := range s.classOrder {
		frac := s.perClass[key][branch] / total
		if frac > 0 {
			out -= frac * math.Log2(frac)
		}
	}
	return out
}

func (s *split) fraction(branch int) float64 {
	if s.totals[branchNone] == 0 {
		return 0
	}
	return s.totals[branch] / s.totals[branchNone]
}

// gain is the split objective: entropy gain for classification, weighted
// variance reduction for regression.
func (s *split) gain() float64 {
	if s.regression {
		variance := func(b int, fallback float64) float64 {
			if s.sum1[b] == 0 {
				return fallback
			}
			mean := s.sumx[b] / s.sum1[b]
			return s.sumxx[b]/s.sum1[b] - mean*mean
		}
		noneVar := variance(branchNone, 0)
		return s.sum1[branchNone]*noneVar -
			s.sum1[branchTrue]*variance(branchTrue, 1) -
			s.sum1[branchFalse]*variance(branchFalse, 1)
	}
	return s.entropy(branchNone) -
		s.fraction(branchTrue)*s.entropy(branchTrue) -
		s.fraction(branchFalse)*s.entropy(branchFalse)
}

// score is the branch prediction: plurality class for classification
// (insertion-order tie-break), branch mean for regression.
func (s *split) score(branch int) value.Value {
	if s.regression {
		if s.sum1[branch] == 0 {
			if s.sum1[branchNone] == 0 {
				return value.Missing()
			}
			return value.Float(s.sumx[branchNone] / s.sum1[branchNone])
		}
		return value.Float(s.sumx[branch] / s.sum1[branch])
	}

	var best value.Value = value.Missing()
	bestCount := -1.0
	for _, key := range s.classOrder {
		if count := s.perClass[key][branch]; count > bestCount {
			best = s.classVals[key]
			bestCount = count
		}
	}
	return best
}

// world is one node of the candidate-tree lattice. Children are keyed by
// split handle in insertion order; mutation happens only through the
// enclosing producer.
type world struct {
	level int
	split splitID // -1 at the root

	trueMature, falseMature     []splitID
	trueImmature, falseImmature []splitID

	trueOut, falseOut []outEdge
}

type outEdge struct {
	split splitID
	world worldID
}

// Worlds is the incremental tree producer. All randomness flows from the
// seeded stream in the configuration, and all ties break by insertion
// order, so identical inputs with identical seeds produce identical trees.
type Worlds struct {
	cfg        WorldsConfig
	regression bool
	classifier string
	features   []*feature

	rng *rand.Rand

	// arenas; handles index into these
	splits []*split
	worlds []*world
	root   worldID

	// top-level classification frequencies (insertion-ordered) or
	// regression first moments
	classCounts map[string]float64
	classOrder  []string
	classVals   map[string]value.Value
	sum1, sumx  float64

	events int64
}

// NewWorlds constructs the producer. Predicted names the predicted fields
// of the enclosing mining schema; regression selects the variance
// objective and requires a numeric target.
func NewWorlds(cfg WorldsConfig, features []FeatureSpec, predicted []string, regression bool) (*Worlds, error) {
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

	w := &Worlds{
		cfg:         cfg,
		regression:  regression,
		classifier:  classifier,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		classCounts: make(map[string]float64),
		classVals:   make(map[string]value.Value),
	}
	for _, spec := range features {
		w.features = append(w.features, newFeature(spec, cfg.FeatureMaturityThreshold))
	}

	w.root = w.newWorld(0, -1)
	return w, nil
}

func (w *Worlds) newWorld(level int, s splitID) worldID {
	w.worlds = append(w.worlds, &world{level: level, split: s})
	return worldID(len(w.worlds) - 1)
}

func (w *Worlds) newSplit(f *feature) splitID {
	s := f.randomSplit(w.rng, w.regression)
	s.threshold = w.cfg.SplitMaturityThreshold
	w.splits = append(w.splits, s)
	return splitID(len(w.splits) - 1)
}

// Events reports how many events have been folded in.
func (w *Worlds) Events() int64 { return w.events }

// Update folds one event into the candidate lattice. It reports false —
// and leaves every piece of state untouched — when the classifier or any
// active feature value is INVALID or MISSING.
func (w *Worlds) Update(syncNumber int64, get value.Getter) bool {
	if len(w.features) == 0 {
		return false
	}

	values := make([]value.Value, len(w.features))
	for i, f := range w.features {
		v := get(f.spec.Name)
		if !v.IsValid() {
			return false
		}
		values[i] = v
	}

	class := get(w.classifier)
	if !class.IsValid() {
		return false
	}
	if w.regression && !class.IsNumeric() {
		return false
	}

	w.events++

	if w.regression {
		w.sum1++
		w.sumx += class.Float64()
	} else {
		key := class.Format()
		if _, ok := w.classCounts[key]; !ok {
			w.classOrder = append(w.classOrder, key)
			w.classVals[key] = class
		}
		w.classCounts[key]++
	}

	var matureFeatures []*feature
	for i, f := range w.features {
		f.increment(values[i])
		if f.mature {
			matureFeatures = append(matureFeatures, f)
		}
	}

	if len(matureFeatures) > 0 {
		w.incrementWorld(w.root, get, class, matureFeatures)
	}
	return true
}

func (w *Worlds) incrementWorld(id worldID, get value.Getter, class value.Value, matureFeatures []*feature) {
	wd := w.worlds[id]

	decision := true
	if wd.split >= 0 {
		decision = w.splits[wd.split].decision(get)
	}

	mature, immature := &wd.trueMature, &wd.trueImmature
	out := &wd.trueOut
	if !decision {
		mature, immature = &wd.falseMature, &wd.falseImmature
		out = &wd.falseOut
	}

	// top up the candidate pool with fresh random splits
	for len(*mature)+len(*immature) <= w.cfg.TrialsToKeep {
		f := matureFeatures[w.rng.Intn(len(matureFeatures))]
		*immature = append(*immature, w.newSplit(f))
	}

	for _, sid := range *mature {
		w.splits[sid].increment(get, class)
	}
	for _, sid := range *immature {
		w.splits[sid].increment(get, class)
	}

	// promote matured splits, preserving insertion order
	var stillImmature []splitID
	for _, sid := range *immature {
		if w.splits[sid].mature {
			*mature = append(*mature, sid)
		} else {
			stillImmature = append(stillImmature, sid)
		}
	}
	*immature = stillImmature

	for _, sid := range *mature {
		w.splits[sid].gainCache = w.splits[sid].gain()
	}

	// keep the top trialsToKeep by gain; insertion order breaks ties
	if len(*mature) > w.cfg.TrialsToKeep {
		*mature = topBy(*mature, w.cfg.TrialsToKeep, func(a, b splitID) bool {
			return w.splits[a].gainCache > w.splits[b].gainCache
		})
	}

	if wd.level < w.cfg.TreeDepth {
		branchable := topBy(*mature, w.cfg.WorldsToSplit, func(a, b splitID) bool {
			return w.splits[a].maturityCounter > w.splits[b].maturityCounter
		})
		branchSet := make(map[splitID]bool, len(branchable))
		for _, sid := range branchable {
			branchSet[sid] = true
		}

		// prune outworlds keyed by splits no longer branchable
		kept := (*out)[:0]
		existing := make(map[splitID]bool)
		for _, edge := range *out {
			if branchSet[edge.split] {
				kept = append(kept, edge)
				existing[edge.split] = true
			}
		}
		*out = kept

		for _, sid := range branchable {
			if !existing[sid] {
				*out = append(*out, outEdge{split: sid, world: w.newWorld(wd.level+1, sid)})
			}
		}

		for _, edge := range *out {
			w.incrementWorld(edge.world, get, class, matureFeatures)
		}
	}
}

// topBy selects the best n elements by the given strict order, stably, so
// equal elements keep their insertion order.
func topBy(ids []splitID, n int, less func(a, b splitID) bool) []splitID {
	if len(ids) <= n {
		return append([]splitID(nil), ids...)
	}
	sorted := append([]splitID(nil), ids...)
	// insertion sort: stable and the pools are never much larger than n
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && less(sorted[j], sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted[:n]
}

// bestClassification is the running plurality class (or mean for
// regression) across all events seen so far.
func (w *Worlds) bestClassification() value.Value {
	if w.regression {
		if w.sum1 == 0 {
			return value.Missing()
		}
		return value.Float(w.sumx / w.sum1)
	}
	var best value.Value = value.Missing()
	bestCount := -1.0
	for _, key := range w.classOrder {
		if w.classCounts[key] > bestCount {
			best = w.classVals[key]
			bestCount = w.classCounts[key]
		}
	}
	return best
}

// BestTree materializes the current best tree: at each world, the single
// outworld with the maximal cached gain survives.
func (w *Worlds) BestTree() *Emitted {
	best := w.bestClassification()
	root := &Emitted{ID: "Node-1", Score: best}
	w.emitWorld(w.root, root, best, "Node-1")
	return root
}

// BestRule materializes the current best rule set from the same lattice.
func (w *Worlds) BestRule() *Emitted {
	return w.BestTree()
}

func (w *Worlds) emitWorld(id worldID, parent *Emitted, best value.Value, name string) {
	wd := w.worlds[id]

	if wd.split < 0 {
		if edge, ok := w.bestOut(wd.trueOut); ok {
			w.emitWorld(edge.world, parent, best, name)
		}
		return
	}

	s := w.splits[wd.split]
	trueNode := &Emitted{ID: name + "-1", Score: s.score(branchTrue), Test: s.test(true), Gain: s.gainCache}
	falseNode := &Emitted{ID: name + "-2", Score: s.score(branchFalse), Test: s.test(false), Gain: s.gainCache}
	parent.Children = append(parent.Children, trueNode, falseNode)

	trueEdge, trueOK := w.bestOut(wd.trueOut)
	falseEdge, falseOK := w.bestOut(wd.falseOut)
	if trueOK && falseOK {
		w.emitWorld(trueEdge.world, trueNode, best, name+"-1")
		w.emitWorld(falseEdge.world, falseNode, best, name+"-2")
	}
}

// bestOut picks the outworld with the maximal cached gain; earlier edges
// win ties.
func (w *Worlds) bestOut(edges []outEdge) (outEdge, bool) {
	if len(edges) == 0 {
		return outEdge{}, false
	}
	best := edges[0]
	for _, edge := range edges[1:] {
		if w.splits[edge.split].gainCache > w.splits[best.split].gainCache {
			best = edge
		}
	}
	return best, true
}
