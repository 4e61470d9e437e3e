// Package ruleset implements C3 (AND expression evaluation) and C4 (priority
// ordered rule set evaluation) on top of the C2 predicate evaluator.
package ruleset

import (
	"sort"

	"github.com/divortio/wafu/internal/waf"
	"github.com/divortio/wafu/internal/waf/field"
	"github.com/divortio/wafu/internal/waf/predicate"
)

// Evaluator combines C3 and C4 behind the predicate evaluator's regex cache.
type Evaluator struct {
	predicates *predicate.Evaluator
}

// NewEvaluator builds a ruleset Evaluator backed by pred.
func NewEvaluator(pred *predicate.Evaluator) *Evaluator {
	return &Evaluator{predicates: pred}
}

// MatchExpression evaluates a rule's predicate list left to right,
// short-circuiting on the first false. An empty list matches every request.
func (e *Evaluator) MatchExpression(m field.Map, ruleID string, expr []waf.Predicate) bool {
	for i, p := range expr {
		if !e.predicates.Evaluate(m, ruleID, i, p) {
			return false
		}
	}
	return true
}

// Evaluate scans rules in priority order and returns the first match's
// outcome, or waf.NoMatch{} if none matched. rules is not mutated; the
// caller's slice is copied before sorting.
func (e *Evaluator) Evaluate(rules []waf.Rule, m field.Map) waf.Outcome {
	ordered := enabledSortedByPriority(rules)
	for _, r := range ordered {
		if e.MatchExpression(m, r.ID, r.Expression) {
			return waf.Match{Action: r.Action, RuleID: r.ID, BlockHTTPCode: r.BlockHTTPCode}
		}
	}
	return waf.NoMatch{}
}

// enabledSortedByPriority filters to enabled rules and sorts by ascending
// priority, ties broken lexicographically by id, per §4.4.
func enabledSortedByPriority(rules []waf.Rule) []waf.Rule {
	enabled := make([]waf.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority < enabled[j].Priority
		}
		return enabled[i].ID < enabled[j].ID
	})
	return enabled
}
