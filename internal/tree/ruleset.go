package tree

import (
	"fmt"

	"github.com/scoreflow-io/scoreflow/internal/predicate"
	"github.com/scoreflow-io/scoreflow/internal/value"
)

// SelectionCriterion picks among fired rules.
type SelectionCriterion uint8

const (
	// FirstHit: the first fired simple rule in declaration order wins.
	FirstHit SelectionCriterion = iota
	// WeightedMax: the fired rule with the largest weight wins.
	WeightedMax
	// WeightedSum: per-score weight sums compete; the confidence is the
	// winning sum divided by the number of fired rules.
	WeightedSum
)

// ParseSelectionCriterion maps the document attribute.
func ParseSelectionCriterion(s string) (SelectionCriterion, error) {
	switch s {
	case "firstHit":
		return FirstHit, nil
	case "weightedMax":
		return WeightedMax, nil
	case "weightedSum":
		return WeightedSum, nil
	default:
		return 0, fmt.Errorf("%w: selection criterion %q", ErrBadStrategy, s)
	}
}

type (
	// Rule is either a SimpleRule or a CompoundRule. The set is closed.
	Rule interface {
		isRule()
	}

	// SimpleRule fires when its predicate is True.
	SimpleRule struct {
		ID           string
		Predicate    predicate.Func
		Score        value.Value
		Weight       float64
		Confidence   float64
		Distribution []ScoreCount
	}

	// CompoundRule fires when its predicate is True and at least one
	// descendant simple rule fires.
	CompoundRule struct {
		Predicate predicate.Func
		Rules     []Rule
	}

	// RuleSet is a bound rule set ready to evaluate.
	RuleSet struct {
		Criterion         SelectionCriterion
		Rules             []Rule
		DefaultScore      value.Value // MISSING when absent
		DefaultConfidence float64
	}

	// RuleScore is the outcome of a rule-set evaluation.
	RuleScore struct {
		Score      value.Value
		Confidence float64
		RuleID     string
		Fired      int
	}
)

func (*SimpleRule) isRule()   {}
func (*CompoundRule) isRule() {}

// Evaluate scores one event. When no rule fires, the default score and
// confidence apply.
func (rs *RuleSet) Evaluate(get value.Getter, meta *predicate.Meta) RuleScore {
	switch rs.Criterion {
	case FirstHit:
		if hit := firstHit(rs.Rules, get, meta); hit != nil {
			return RuleScore{Score: hit.Score, Confidence: hit.Confidence, RuleID: hit.ID, Fired: 1}
		}

	case WeightedMax:
		fired := collectFired(rs.Rules, get, meta, nil)
		var best *SimpleRule
		for _, r := range fired {
			if best == nil || r.Weight > best.Weight {
				best = r
			}
		}
		if best != nil {
			return RuleScore{Score: best.Score, Confidence: best.Confidence, RuleID: best.ID, Fired: len(fired)}
		}

	case WeightedSum:
		fired := collectFired(rs.Rules, get, meta, nil)
		if len(fired) > 0 {
			sums := make(map[string]float64)
			var order []string
			for _, r := range fired {
				key := r.Score.Format()
				if _, seen := sums[key]; !seen {
					order = append(order, key)
				}
				sums[key] += r.Weight
			}

			bestKey := order[0]
			var bestScore value.Value
			for _, r := range fired {
				if r.Score.Format() == bestKey {
					bestScore = r.Score
					break
				}
			}
			for _, key := range order[1:] {
				if sums[key] > sums[bestKey] {
					bestKey = key
					for _, r := range fired {
						if r.Score.Format() == key {
							bestScore = r.Score
							break
						}
					}
				}
			}
			return RuleScore{
				Score:      bestScore,
				Confidence: sums[bestKey] / float64(len(fired)),
				Fired:      len(fired),
			}
		}
	}

	return RuleScore{Score: rs.DefaultScore, Confidence: rs.DefaultConfidence}
}

// firstHit returns the first fired simple rule in declaration order,
// short-circuiting the traversal.
func firstHit(rules []Rule, get value.Getter, meta *predicate.Meta) *SimpleRule {
	for _, r := range rules {
		switch rule := r.(type) {
		case *SimpleRule:
			if rule.Predicate(get, meta) == predicate.True {
				return rule
			}
		case *CompoundRule:
			if rule.Predicate(get, meta) == predicate.True {
				if hit := firstHit(rule.Rules, get, meta); hit != nil {
					return hit
				}
			}
		}
	}
	return nil
}

// collectFired gathers every fired simple rule in declaration order.
func collectFired(rules []Rule, get value.Getter, meta *predicate.Meta, acc []*SimpleRule) []*SimpleRule {
	for _, r := range rules {
		switch rule := r.(type) {
		case *SimpleRule:
			if rule.Predicate(get, meta) == predicate.True {
				acc = append(acc, rule)
			}
		case *CompoundRule:
			if rule.Predicate(get, meta) == predicate.True {
				acc = collectFired(rule.Rules, get, meta, acc)
			}
		}
	}
	return acc
}
