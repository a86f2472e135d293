// Package tree provides the score-time evaluators for decision trees and
// rule sets: a tree walk under a configurable missing-value strategy, and
// rule selection under firstHit / weightedMax / weightedSum criteria.
package tree

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/scoreflow-io/scoreflow/internal/predicate"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

// Sentinel errors for tree binding.
var (
	// ErrNotImplemented indicates a deliberately unimplemented strategy
	// was requested; it is fatal at bind time.
	ErrNotImplemented = errors.New("strategy not implemented")

	// ErrBadStrategy indicates an unrecognized strategy attribute.
	ErrBadStrategy = errors.New("unrecognized strategy")

	// ErrDuplicateID indicates two nodes with the same id in one tree.
	ErrDuplicateID = errors.New("duplicate node id")

	// ErrDefaultChild indicates a missing or dangling defaultChild
	// declaration under the defaultChild strategy.
	ErrDefaultChild = errors.New("bad defaultChild")

	// ErrBadDistribution indicates explicit score-distribution
	// probabilities that do not sum to one.
	ErrBadDistribution = errors.New("score distribution probabilities must sum to 1")
)

// MissingStrategy selects tree behavior when a child predicate is Unknown.
type MissingStrategy uint8

const (
	// MissingNone treats Unknown as False and continues to the next child.
	MissingNone MissingStrategy = iota
	// MissingLastPrediction returns the current node.
	MissingLastPrediction
	// MissingNullPrediction returns no score.
	MissingNullPrediction
	// MissingDefaultChild descends into the declared default child.
	MissingDefaultChild
)

// ParseMissingStrategy maps the document attribute. The weightedConfidence
// and aggregateNodes strategies are declared but not implemented; they are
// rejected here, at bind time.
func ParseMissingStrategy(s string) (MissingStrategy, error) {
	switch s {
	case "", "none":
		return MissingNone, nil
	case "lastPrediction":
		return MissingLastPrediction, nil
	case "nullPrediction":
		return MissingNullPrediction, nil
	case "defaultChild":
		return MissingDefaultChild, nil
	case "weightedConfidence", "aggregateNodes":
		return 0, fmt.Errorf("%w: missingValueStrategy %q", ErrNotImplemented, s)
	default:
		return 0, fmt.Errorf("%w: missingValueStrategy %q", ErrBadStrategy, s)
	}
}

// NoTrueChildStrategy selects behavior when every child evaluates False.
type NoTrueChildStrategy uint8

const (
	// NoTrueChildNull returns no score.
	NoTrueChildNull NoTrueChildStrategy = iota
	// NoTrueChildLast returns the current node.
	NoTrueChildLast
)

// ParseNoTrueChildStrategy maps the document attribute.
func ParseNoTrueChildStrategy(s string) (NoTrueChildStrategy, error) {
	switch s {
	case "", "returnNullPrediction":
		return NoTrueChildNull, nil
	case "returnLastPrediction":
		return NoTrueChildLast, nil
	default:
		return 0, fmt.Errorf("%w: noTrueChildStrategy %q", ErrBadStrategy, s)
	}
}

type (
	// ScoreCount is one entry of a node's score distribution.
	ScoreCount struct {
		Value       string
		RecordCount float64
		// Probability is the explicit probability when given; NaN means
		// "compute from record counts".
		Probability float64
	}

	// Node is one tree node: a compiled predicate, a score, and children.
	// Cross-references (defaultChild) are held as ids and resolved by
	// lookup during Bind, never as back pointers.
	Node struct {
		ID           string
		Score        value.Value
		Predicate    predicate.Func
		Children     []*Node
		Distribution []ScoreCount
		DefaultChild string
		RecordCount  float64

		// Regression, when non-nil, replaces the static score with an
		// embedded model evaluated per event.
		Regression func(get value.Getter) value.Value

		defaultIdx int
	}

	// Tree is a bound decision tree ready to evaluate.
	Tree struct {
		Root                *Node
		Missing             MissingStrategy
		NoTrueChild         NoTrueChildStrategy
		MissingValuePenalty float64
	}
)

// Bind validates the tree: node ids unique (auto-assigned when absent),
// defaultChild edges present and resolvable under the defaultChild
// strategy, and explicit probabilities summing to one.
func (t *Tree) Bind() error {
	// explicit ids are reserved up front, so an auto-assigned id never
	// takes one declared later in the walk
	explicit := make(map[string]bool)
	var collect func(n *Node)
	collect = func(n *Node) {
		if n.ID != "" {
			explicit[n.ID] = true
		}
		for _, child := range n.Children {
			collect(child)
		}
	}
	collect(t.Root)

	seen := make(map[string]bool)
	next := 1
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if n.ID == "" {
			for {
				candidate := strconv.Itoa(next)
				next++
				if !seen[candidate] && !explicit[candidate] {
					n.ID = candidate
					break
				}
			}
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateID, n.ID)
		}
		seen[n.ID] = true

		if err := n.checkDistribution(); err != nil {
			return err
		}

		if len(n.Children) > 0 && t.Missing == MissingDefaultChild {
			if n.DefaultChild == "" {
				return fmt.Errorf("%w: node %q has children but no defaultChild", ErrDefaultChild, n.ID)
			}
			n.defaultIdx = -1
			for i, child := range n.Children {
				if child.ID == n.DefaultChild {
					n.defaultIdx = i
					break
				}
			}
			// The id may belong to a child not yet assigned; resolve those
			// after their own walk below.
		}

		for _, child := range n.Children {
			if err := walk(child); err != nil {
				return err
			}
		}

		if len(n.Children) > 0 && t.Missing == MissingDefaultChild && n.defaultIdx < 0 {
			for i, child := range n.Children {
				if child.ID == n.DefaultChild {
					n.defaultIdx = i
					break
				}
			}
			if n.defaultIdx < 0 {
				return fmt.Errorf("%w: node %q references unknown child %q", ErrDefaultChild, n.ID, n.DefaultChild)
			}
		}
		return nil
	}
	return walk(t.Root)
}

func (n *Node) checkDistribution() error {
	if len(n.Distribution) == 0 {
		return nil
	}
	explicit := 0
	total := 0.0
	for _, sc := range n.Distribution {
		if !math.IsNaN(sc.Probability) {
			explicit++
			total += sc.Probability
		}
	}
	switch {
	case explicit == 0:
		return nil
	case explicit != len(n.Distribution):
		return fmt.Errorf("%w: node %q mixes explicit and implicit probabilities", ErrBadDistribution, n.ID)
	case math.Abs(total-1) > 1e-5:
		return fmt.Errorf("%w: node %q sums to %g", ErrBadDistribution, n.ID, total)
	default:
		return nil
	}
}

// Probabilities returns the per-class probabilities of a node: explicit
// when given, otherwise computed from record counts.
func (n *Node) Probabilities() map[string]float64 {
	if len(n.Distribution) == 0 {
		return nil
	}
	out := make(map[string]float64, len(n.Distribution))
	if math.IsNaN(n.Distribution[0].Probability) {
		total := 0.0
		for _, sc := range n.Distribution {
			total += sc.RecordCount
		}
		for _, sc := range n.Distribution {
			if total > 0 {
				out[sc.Value] = sc.RecordCount / total
			} else {
				out[sc.Value] = 0
			}
		}
		return out
	}
	for _, sc := range n.Distribution {
		out[sc.Value] = sc.Probability
	}
	return out
}

// Evaluate walks the tree for one event. The returned node is nil when the
// strategy produced no score. meta, when non-nil, accumulates the unknown
// count used by the missing-value penalty.
func (t *Tree) Evaluate(get value.Getter, meta *predicate.Meta) *Node {
	node := t.Root

descend:
	for len(node.Children) > 0 {
		for _, child := range node.Children {
			switch child.Predicate(get, meta) {
			case predicate.True:
				node = child
				continue descend

			case predicate.Unknown:
				switch t.Missing {
				case MissingLastPrediction:
					return node
				case MissingNullPrediction:
					return nil
				case MissingDefaultChild:
					if meta != nil {
						meta.Unknowns++
					}
					node = node.Children[node.defaultIdx]
					continue descend
				case MissingNone:
					// treat as False, continue to the next sibling
				}
			}
		}

		// every child evaluated False
		switch t.NoTrueChild {
		case NoTrueChildLast:
			return node
		default:
			return nil
		}
	}

	return node
}

// NodeScore resolves the predicted value of an evaluated node: the
// embedded regression when present, the static score otherwise.
func (n *Node) NodeScore(get value.Getter) value.Value {
	if n == nil {
		return value.Missing()
	}
	if n.Regression != nil {
		return n.Regression(get)
	}
	return n.Score
}

// Penalty returns the confidence multiplier for an evaluation that crossed
// the given number of unknowns.
func (t *Tree) Penalty(unknowns int) float64 {
	if t.MissingValuePenalty == 0 || unknowns == 0 {
		return 1
	}
	return math.Pow(t.MissingValuePenalty, float64(unknowns))
}
