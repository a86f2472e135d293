// Package producer provides the model-body producers: the incremental
// "worlds" tree grower that maintains competing candidate splits on a live
// event stream, and the batch grower (the classic iterative family) that
// buffers columnar data and splits recursively on produce.
package producer

import (
	"fmt"

	"github.com/scoreflow-io/scoreflow/internal/predicate"
	"github.com/scoreflow-io/scoreflow/internal/tree"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

type (
	// SplitTest is the predicate description attached to an emitted node:
	// a single-field test, or nil for the constant-true root.
	SplitTest struct {
		Field string
		// Op is one of equal, notEqual, greaterThan, lessOrEqual, isIn,
		// isNotIn — the document operator spelling.
		Op string
		// Value is the reference value for the simple operators.
		Value value.Value
		// Members is the set for the isIn / isNotIn operators.
		Members []value.Value
	}

	// Emitted is a produced model body node, the common shape behind both
	// tree and rule-set emission and the document serializer.
	Emitted struct {
		ID           string
		Score        value.Value
		RecordCount  float64
		Test         *SplitTest // nil means the constant True predicate
		Distribution []tree.ScoreCount
		Gain         float64
		Children     []*Emitted
	}
)

// compile turns a split test into a predicate closure.
func (st *SplitTest) compile() (predicate.Func, error) {
	if st == nil {
		return predicate.AlwaysTrue(), nil
	}

	field := st.Field
	switch st.Op {
	case "equal":
		ref := st.Value
		return func(get value.Getter, _ *predicate.Meta) predicate.Truth {
			v := get(field)
			if v.IsSentinel() {
				return predicate.Unknown
			}
			return truth(v.Equal(ref))
		}, nil
	case "notEqual":
		ref := st.Value
		return func(get value.Getter, _ *predicate.Meta) predicate.Truth {
			v := get(field)
			if v.IsSentinel() {
				return predicate.Unknown
			}
			return truth(!v.Equal(ref))
		}, nil
	case "greaterThan", "lessOrEqual":
		ref := st.Value
		wantGreater := st.Op == "greaterThan"
		return func(get value.Getter, _ *predicate.Meta) predicate.Truth {
			v := get(field)
			if v.IsSentinel() {
				return predicate.Unknown
			}
			greater, ok := numericGreater(v, ref)
			if !ok {
				return predicate.Unknown
			}
			return truth(greater == wantGreater)
		}, nil
	case "isIn", "isNotIn":
		return predicate.SimpleSet(field, st.Op == "isIn", st.Members), nil
	default:
		return nil, fmt.Errorf("unsupported split operator %q", st.Op)
	}
}

func truth(b bool) predicate.Truth {
	if b {
		return predicate.True
	}
	return predicate.False
}

// numericGreater orders a field value against a split threshold: numeric
// by value, ordinal by position.
func numericGreater(v, ref value.Value) (bool, bool) {
	switch {
	case v.Kind() == value.KindOrdinal && ref.Kind() == value.KindOrdinal:
		return v.OrdinalIndex() > ref.OrdinalIndex(), true
	case v.IsNumeric() && ref.IsNumeric():
		return v.Float64() > ref.Float64(), true
	default:
		return false, false
	}
}

// Tree compiles the emitted body into a bound consumer tree.
func (e *Emitted) Tree(missing tree.MissingStrategy, noTrueChild tree.NoTrueChildStrategy) (*tree.Tree, error) {
	root, err := e.node()
	if err != nil {
		return nil, err
	}
	t := &tree.Tree{Root: root, Missing: missing, NoTrueChild: noTrueChild}
	if err := t.Bind(); err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Emitted) node() (*tree.Node, error) {
	p, err := e.Test.compile()
	if err != nil {
		return nil, err
	}
	n := &tree.Node{
		ID:           e.ID,
		Score:        e.Score,
		Predicate:    p,
		RecordCount:  e.RecordCount,
		Distribution: e.Distribution,
	}
	for _, child := range e.Children {
		cn, err := child.node()
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, cn)
	}
	return n, nil
}

// RuleSet compiles the emitted body into a bound rule set: internal nodes
// become compound rules, leaves simple rules.
func (e *Emitted) RuleSet(criterion tree.SelectionCriterion) (*tree.RuleSet, error) {
	r, err := e.rule()
	if err != nil {
		return nil, err
	}
	return &tree.RuleSet{
		Criterion:    criterion,
		Rules:        []tree.Rule{r},
		DefaultScore: value.Missing(),
	}, nil
}

func (e *Emitted) rule() (tree.Rule, error) {
	p, err := e.Test.compile()
	if err != nil {
		return nil, err
	}
	if len(e.Children) == 0 {
		return &tree.SimpleRule{
			ID:           e.ID,
			Predicate:    p,
			Score:        e.Score,
			Weight:       1,
			Distribution: e.Distribution,
		}, nil
	}
	compound := &tree.CompoundRule{Predicate: p}
	for _, child := range e.Children {
		cr, err := child.rule()
		if err != nil {
			return nil, err
		}
		compound.Rules = append(compound.Rules, cr)
	}
	return compound, nil
}
