// Package predicate implements C2: evaluating a single (field, operator,
// value) triple against a projected field map. Evaluation never panics or
// returns an error; a malformed predicate simply evaluates false.
package predicate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/divortio/wafu/internal/waf"
	"github.com/divortio/wafu/internal/waf/field"
)

// CacheKey identifies a compiled regex by the rule and predicate position it
// came from, per §4.2/§5's "cached per (rule-id, predicate-index)".
type CacheKey struct {
	RuleID string
	Index  int
}

// compiledRegex pairs the outcome of a compile attempt so a compile error is
// cached too: a bad pattern should not be re-parsed on every request.
type compiledRegex struct {
	re  *regexp.Regexp
	err error
}

// Evaluator evaluates predicates, caching compiled regular expressions
// process-wide in a bounded LRU.
type Evaluator struct {
	regexCache *lru.Cache[CacheKey, compiledRegex]
}

// DefaultRegexCacheSize bounds the process-wide regex LRU when callers don't
// override it via configuration.
const DefaultRegexCacheSize = 4096

// NewEvaluator constructs an Evaluator with a regex cache of the given size.
// size <= 0 falls back to DefaultRegexCacheSize.
func NewEvaluator(size int) *Evaluator {
	if size <= 0 {
		size = DefaultRegexCacheSize
	}
	cache, err := lru.New[CacheKey, compiledRegex](size)
	if err != nil {
		// Only returns an error for a non-positive size, already guarded above.
		cache, _ = lru.New[CacheKey, compiledRegex](DefaultRegexCacheSize)
	}
	return &Evaluator{regexCache: cache}
}

// Evaluate tests p against m. ruleID and index locate this predicate's slot
// in the regex cache and have no bearing on any operator but matches/not_matches.
func (e *Evaluator) Evaluate(m field.Map, ruleID string, index int, p waf.Predicate) bool {
	a, present := m.Get(p.Field)

	switch p.Operator {
	case waf.OpIsNull:
		return !present
	case waf.OpIsNotNull:
		return present
	}

	if !present {
		return false
	}

	switch p.Operator {
	case waf.OpEquals:
		return looseEqual(a, p.Value)
	case waf.OpNotEquals:
		return !looseEqual(a, p.Value)
	case waf.OpContains:
		s, ok := a.(string)
		if !ok {
			return false
		}
		return strings.Contains(s, toString(p.Value))
	case waf.OpNotContains:
		s, ok := a.(string)
		if !ok {
			return false
		}
		return !strings.Contains(s, toString(p.Value))
	case waf.OpIn:
		return inList(a, p.Value)
	case waf.OpNotIn:
		return !inList(a, p.Value)
	case waf.OpGreaterThan:
		return e.compare(a, p.Value) > 0
	case waf.OpLessThan:
		return e.compare(a, p.Value) < 0
	case waf.OpMatches:
		re := e.compile(ruleID, index, toString(p.Value))
		if re == nil {
			return false
		}
		return re.MatchString(toString(a))
	case waf.OpNotMatches:
		re := e.compile(ruleID, index, toString(p.Value))
		if re == nil {
			return false
		}
		return !re.MatchString(toString(a))
	default:
		return false
	}
}

func (e *Evaluator) compile(ruleID string, index int, pattern string) *regexp.Regexp {
	key := CacheKey{RuleID: ruleID, Index: index}
	if cached, ok := e.regexCache.Get(key); ok {
		return cached.re
	}
	re, err := regexp.Compile("(?i)" + pattern)
	e.regexCache.Add(key, compiledRegex{re: re, err: err})
	if err != nil {
		return nil
	}
	return re
}

func looseEqual(a, v any) bool {
	return toString(a) == toString(v)
}

func inList(a, v any) bool {
	list, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(a, item) {
			return true
		}
	}
	return false
}

// compare returns -1, 0, or 1. Numeric comparison when both sides parse as
// numbers, otherwise lexicographic on string representation.
func (e *Evaluator) compare(a, v any) int {
	af, aok := toFloat(a)
	vf, vok := toFloat(v)
	if aok && vok {
		switch {
		case af < vf:
			return -1
		case af > vf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(toString(a), toString(v))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}
