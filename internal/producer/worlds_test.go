package producer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoreflow-io/scoreflow/internal/tree"
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

func twoFeatureSpecs() []FeatureSpec {
	return []FeatureSpec{
		{Name: "f1", Optype: value.Continuous},
		{Name: "f2", Optype: value.Continuous},
	}
}

// gaussianStream generates events with f1 informative (class A around -1,
// class B around +1, unit variance) and f2 irrelevant uniform noise.
func gaussianStream(seed int64, n int) []map[string]value.Value {
	rng := rand.New(rand.NewSource(seed))
	out := make([]map[string]value.Value, 0, n)
	for i := 0; i < n; i++ {
		class := "A"
		center := -1.0
		if rng.Intn(2) == 1 {
			class = "B"
			center = 1.0
		}
		out = append(out, map[string]value.Value{
			"f1": value.Float(rng.NormFloat64() + center),
			"f2": value.Float(rng.Float64() * 10),
			"y":  value.String(class),
		})
	}
	return out
}

func worldsConfig(seed int64) WorldsConfig {
	cfg := DefaultWorldsConfig()
	cfg.TreeDepth = 2
	cfg.Seed = seed
	return cfg
}

func TestWorldsSkipsSentinelEvents(t *testing.T) {
	w, err := NewWorlds(worldsConfig(1), twoFeatureSpecs(), []string{"y"}, false)
	require.NoError(t, err)

	assert.False(t, w.Update(0, getter(map[string]value.Value{
		"f1": value.Missing(), "f2": value.Float(1), "y": value.String("A"),
	})))
	assert.False(t, w.Update(1, getter(map[string]value.Value{
		"f1": value.Float(1), "f2": value.Float(1), "y": value.Invalid(),
	})))
	assert.Equal(t, int64(0), w.Events())

	assert.True(t, w.Update(2, getter(map[string]value.Value{
		"f1": value.Float(1), "f2": value.Float(1), "y": value.String("A"),
	})))
	assert.Equal(t, int64(1), w.Events())
}

func TestWorldsNoActiveFeatures(t *testing.T) {
	w, err := NewWorlds(worldsConfig(1), nil, []string{"y"}, false)
	require.NoError(t, err)
	assert.False(t, w.Update(0, getter(map[string]value.Value{"y": value.String("A")})))
}

func TestWorldsRejectsBadClassifierField(t *testing.T) {
	cfg := worldsConfig(1)
	cfg.ClassifierField = "ghost"
	_, err := NewWorlds(cfg, twoFeatureSpecs(), []string{"y"}, false)
	assert.ErrorIs(t, err, ErrClassifierField)

	_, err = NewWorlds(worldsConfig(1), twoFeatureSpecs(), nil, false)
	assert.ErrorIs(t, err, ErrNoPredicted)
}

func TestWorldsDeterminism(t *testing.T) {
	// Identical seed and stream produce identical trees.
	build := func() *Emitted {
		w, err := NewWorlds(worldsConfig(42), twoFeatureSpecs(), []string{"y"}, false)
		require.NoError(t, err)
		for i, event := range gaussianStream(7, 500) {
			w.Update(int64(i), getter(event))
		}
		return w.BestTree()
	}

	first, second := build(), build()
	assertEmittedEqual(t, first, second)
}

func assertEmittedEqual(t *testing.T, a, b *Emitted) {
	t.Helper()
	require.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.Score.Format(), b.Score.Format())
	if a.Test == nil {
		assert.Nil(t, b.Test)
	} else {
		require.NotNil(t, b.Test)
		assert.Equal(t, a.Test.Field, b.Test.Field)
		assert.Equal(t, a.Test.Op, b.Test.Op)
		assert.Equal(t, a.Test.Value.Format(), b.Test.Value.Format())
	}
	require.Equal(t, len(a.Children), len(b.Children))
	for i := range a.Children {
		assertEmittedEqual(t, a.Children[i], b.Children[i])
	}
}

func TestWorldsConvergence(t *testing.T) {
	// With one informative Gaussian feature and one irrelevant feature,
	// the emitted root split lands on the informative feature with a
	// threshold within one standard deviation of the Bayes boundary (0).
	w, err := NewWorlds(worldsConfig(42), twoFeatureSpecs(), []string{"y"}, false)
	require.NoError(t, err)

	for i, event := range gaussianStream(99, 1000) {
		w.Update(int64(i), getter(event))
	}

	emitted := w.BestTree()
	require.Len(t, emitted.Children, 2)

	rootSplit := emitted.Children[0].Test
	require.NotNil(t, rootSplit)
	assert.Equal(t, "f1", rootSplit.Field)
	assert.InDelta(t, 0.0, rootSplit.Value.Float64(), 1.0)

	// The two branches predict the two classes.
	scores := map[string]bool{
		emitted.Children[0].Score.Str(): true,
		emitted.Children[1].Score.Str(): true,
	}
	assert.True(t, scores["A"] && scores["B"], "branches must separate the classes, got %v", scores)
}

func TestWorldsEmittedTreeScores(t *testing.T) {
	w, err := NewWorlds(worldsConfig(42), twoFeatureSpecs(), []string{"y"}, false)
	require.NoError(t, err)
	for i, event := range gaussianStream(3, 600) {
		w.Update(int64(i), getter(event))
	}

	bound, err := w.BestTree().Tree(tree.MissingLastPrediction, tree.NoTrueChildLast)
	require.NoError(t, err)

	node := bound.Evaluate(getter(map[string]value.Value{"f1": value.Float(-3), "f2": value.Float(5)}), nil)
	require.NotNil(t, node)
	assert.Equal(t, "A", node.Score.Str())

	node = bound.Evaluate(getter(map[string]value.Value{"f1": value.Float(3), "f2": value.Float(5)}), nil)
	require.NotNil(t, node)
	assert.Equal(t, "B", node.Score.Str())
}

func TestWorldsRuleSetEmission(t *testing.T) {
	w, err := NewWorlds(worldsConfig(42), twoFeatureSpecs(), []string{"y"}, false)
	require.NoError(t, err)
	for i, event := range gaussianStream(11, 600) {
		w.Update(int64(i), getter(event))
	}

	rs, err := w.BestRule().RuleSet(tree.FirstHit)
	require.NoError(t, err)

	got := rs.Evaluate(getter(map[string]value.Value{"f1": value.Float(-3), "f2": value.Float(1)}), nil)
	assert.Equal(t, "A", got.Score.Str())
}

func TestWorldsRegression(t *testing.T) {
	cfg := worldsConfig(7)
	cfg.TreeDepth = 1
	specs := []FeatureSpec{{Name: "x", Optype: value.Continuous}}
	w, err := NewWorlds(cfg, specs, []string{"y"}, true)
	require.NoError(t, err)

	// Step function: y ≈ 0 below 5, y ≈ 10 above.
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 800; i++ {
		x := rng.Float64() * 10
		y := 0.0
		if x > 5 {
			y = 10.0
		}
		y += rng.NormFloat64() * 0.1
		w.Update(int64(i), getter(map[string]value.Value{
			"x": value.Float(x), "y": value.Float(y),
		}))
	}

	emitted := w.BestTree()
	require.Len(t, emitted.Children, 2)
	split := emitted.Children[0].Test
	assert.Equal(t, "x", split.Field)
	assert.InDelta(t, 5.0, split.Value.Float64(), 3.0)

	// Branch means sit near the two plateaus.
	var lowMean, highMean float64
	for _, child := range emitted.Children {
		if child.Test.Op == "lessOrEqual" {
			lowMean = child.Score.Float64()
		} else {
			highMean = child.Score.Float64()
		}
	}
	assert.Less(t, lowMean, highMean)
}

func TestCategoricalRandomSplit(t *testing.T) {
	f := newFeature(FeatureSpec{Name: "c", Optype: value.Categorical}, 2)
	f.increment(value.String("red"))
	f.increment(value.String("blue"))
	f.increment(value.String("red"))
	f.increment(value.String("red"))

	rng := rand.New(rand.NewSource(1))
	s := f.randomSplit(rng, false)
	assert.True(t, s.equal)
	assert.Contains(t, []string{"red", "blue"}, s.value.Str())
}

func TestContinuousFeatureStats(t *testing.T) {
	f := newFeature(FeatureSpec{Name: "x", Optype: value.Continuous}, 2)
	for _, x := range []float64{2, 4, 6} {
		f.increment(value.Float(x))
	}
	assert.InDelta(t, 4.0, f.mean(), 1e-12)
	assert.InDelta(t, math.Sqrt(8.0/3.0), f.stdev(), 1e-9)
	assert.True(t, f.mature)
}
