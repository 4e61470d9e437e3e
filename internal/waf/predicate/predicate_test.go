package predicate

import (
	"testing"

	"github.com/divortio/wafu/internal/waf"
	"github.com/divortio/wafu/internal/waf/field"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name string
		m    field.Map
		p    waf.Predicate
		want bool
	}{
		{"is_null absent", field.Map{}, waf.Predicate{Field: "x", Operator: waf.OpIsNull}, true},
		{"is_null present", field.Map{"x": "1"}, waf.Predicate{Field: "x", Operator: waf.OpIsNull}, false},
		{"is_not_null present", field.Map{"x": "1"}, waf.Predicate{Field: "x", Operator: waf.OpIsNotNull}, true},
		{"equals match", field.Map{"x": "GET"}, waf.Predicate{Field: "x", Operator: waf.OpEquals, Value: "GET"}, true},
		{"equals loose numeric/string", field.Map{"x": 200}, waf.Predicate{Field: "x", Operator: waf.OpEquals, Value: "200"}, true},
		{"not_equals", field.Map{"x": "GET"}, waf.Predicate{Field: "x", Operator: waf.OpNotEquals, Value: "POST"}, true},
		{"absent non-null op is false", field.Map{}, waf.Predicate{Field: "x", Operator: waf.OpEquals, Value: "a"}, false},
		{"contains true", field.Map{"x": "hello world"}, waf.Predicate{Field: "x", Operator: waf.OpContains, Value: "wor"}, true},
		{"contains non-string false", field.Map{"x": 5}, waf.Predicate{Field: "x", Operator: waf.OpContains, Value: "5"}, false},
		{"not_contains true", field.Map{"x": "hello"}, waf.Predicate{Field: "x", Operator: waf.OpNotContains, Value: "z"}, true},
		{"in membership", field.Map{"x": "b"}, waf.Predicate{Field: "x", Operator: waf.OpIn, Value: []any{"a", "b", "c"}}, true},
		{"in miss", field.Map{"x": "z"}, waf.Predicate{Field: "x", Operator: waf.OpIn, Value: []any{"a", "b"}}, false},
		{"not_in", field.Map{"x": "z"}, waf.Predicate{Field: "x", Operator: waf.OpNotIn, Value: []any{"a", "b"}}, true},
		{"greater_than numeric", field.Map{"x": 10}, waf.Predicate{Field: "x", Operator: waf.OpGreaterThan, Value: 5}, true},
		{"less_than numeric", field.Map{"x": 3}, waf.Predicate{Field: "x", Operator: waf.OpLessThan, Value: 5}, true},
		{"greater_than lexicographic fallback", field.Map{"x": "banana"}, waf.Predicate{Field: "x", Operator: waf.OpGreaterThan, Value: "apple"}, true},
		{"matches case-insensitive", field.Map{"x": "Mozilla/5.0 BadBot"}, waf.Predicate{Field: "x", Operator: waf.OpMatches, Value: "badbot"}, true},
		{"not_matches", field.Map{"x": "curl/8.0"}, waf.Predicate{Field: "x", Operator: waf.OpNotMatches, Value: "badbot"}, true},
		{"matches invalid regex never throws", field.Map{"x": "a"}, waf.Predicate{Field: "x", Operator: waf.OpMatches, Value: "("}, false},
	}

	e := NewEvaluator(0)
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Evaluate(tc.m, "rule-1", i, tc.p)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRegexCacheReusesCompiledPattern(t *testing.T) {
	e := NewEvaluator(4)
	m := field.Map{"x": "badbot-1.0"}
	p := waf.Predicate{Field: "x", Operator: waf.OpMatches, Value: "badbot"}

	require.True(t, e.Evaluate(m, "rule-1", 0, p))
	require.True(t, e.Evaluate(m, "rule-1", 0, p))
	assert.Equal(t, 1, e.regexCache.Len())
}

func TestInvalidRegexCachedAsCompileFailure(t *testing.T) {
	e := NewEvaluator(4)
	m := field.Map{"x": "a"}
	p := waf.Predicate{Field: "x", Operator: waf.OpMatches, Value: "("}

	assert.False(t, e.Evaluate(m, "rule-1", 2, p))
	assert.False(t, e.Evaluate(m, "rule-1", 2, p))
	cached, ok := e.regexCache.Get(CacheKey{RuleID: "rule-1", Index: 2})
	require.True(t, ok)
	assert.Error(t, cached.err)
}
