// Package rules provides condition evaluation and structural validation for
// fraud detection rules.
package rules

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EvaluateCondition tests a single condition against a transaction record.
// A condition whose field is absent from the record evaluates to false; the
// evaluator never panics on malformed values.
func EvaluateCondition(cond domain.Condition, record map[string]any) bool {
	actual, ok := record[cond.Field]
	if !ok {
		return false
	}

	switch cond.Operator {
	case domain.OpEquals:
		return looseEquals(actual, cond.Value)
	case domain.OpNotEquals:
		return !looseEquals(actual, cond.Value)
	case domain.OpGreaterThan:
		return numericCompare(actual, cond.Value, func(a, b float64) bool { return a > b })
	case domain.OpLessThan:
		return numericCompare(actual, cond.Value, func(a, b float64) bool { return a < b })
	case domain.OpGreaterEqual:
		return numericCompare(actual, cond.Value, func(a, b float64) bool { return a >= b })
	case domain.OpLessEqual:
		return numericCompare(actual, cond.Value, func(a, b float64) bool { return a <= b })
	case domain.OpIn:
		return inList(actual, cond.Value)
	case domain.OpNotIn:
		return !inList(actual, cond.Value)
	case domain.OpContains:
		return stringCompare(actual, cond.Value, strings.Contains)
	case domain.OpStartsWith:
		return stringCompare(actual, cond.Value, strings.HasPrefix)
	case domain.OpEndsWith:
		return stringCompare(actual, cond.Value, strings.HasSuffix)
	}
	return false
}

// Matches reports whether every condition of the rule evaluates true against
// the record. Short-circuits on the first false condition; with AND semantics
// this cannot change the result.
func Matches(rule *domain.Rule, record map[string]any) bool {
	for _, cond := range rule.Conditions {
		if !EvaluateCondition(cond, record) {
			return false
		}
	}
	return true
}

// looseEquals compares scalars of matching families: numbers by value,
// strings case-sensitively, booleans strictly.
func looseEquals(a, b any) bool {
	if af, ok := toFloat64(a); ok {
		bf, ok := toFloat64(b)
		return ok && af == bf
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return false
}

func numericCompare(a, b any, cmp func(a, b float64) bool) bool {
	af, ok := toFloat64(a)
	if !ok {
		return false
	}
	bf, ok := toFloat64(b)
	if !ok {
		return false
	}
	return cmp(af, bf)
}

func stringCompare(a, b any, cmp func(s, substr string) bool) bool {
	as, ok := a.(string)
	if !ok {
		return false
	}
	bs, ok := b.(string)
	if !ok {
		return false
	}
	return cmp(as, bs)
}

// inList tests membership of the record value in the condition's array value.
func inList(actual, listVal any) bool {
	list, ok := toAnySlice(listVal)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEquals(actual, item) {
			return true
		}
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toAnySlice(v any) ([]any, bool) {
	switch values := v.(type) {
	case []any:
		return values, true
	case []string:
		out := make([]any, len(values))
		for i, s := range values {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
