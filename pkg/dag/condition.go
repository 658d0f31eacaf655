package dag

import (
	"strconv"
	"strings"

	"github.com/meridianhq/axis/pkg/types"
)

// EvaluateCondition checks a step condition against the results observed
// so far. Field syntax is "step:<id>.status" or
// "step:<id>.result.<dot.path>". An unresolvable field reads as a missing
// value: exists is false, eq compares against nil, gt/lt/contains are
// false.
func EvaluateCondition(cond *types.Condition, results map[string]*StepResult) bool {
	value, resolved := resolveField(cond.Field, results)

	switch cond.Operator {
	case "eq":
		return looseEqual(value, cond.Value)
	case "neq":
		return !looseEqual(value, cond.Value)
	case "gt":
		a, aok := strictNumber(value)
		b, bok := strictNumber(cond.Value)
		return aok && bok && a > b
	case "lt":
		a, aok := strictNumber(value)
		b, bok := strictNumber(cond.Value)
		return aok && bok && a < b
	case "contains":
		return contains(value, cond.Value)
	case "exists":
		return resolved && value != nil
	}
	return false
}

// resolveField walks "step:<id>.(status|result.<path>)". The second
// return is false when the step is unknown, unfinished, or the path does
// not resolve.
func resolveField(field string, results map[string]*StepResult) (any, bool) {
	rest, ok := strings.CutPrefix(field, "step:")
	if !ok {
		return nil, false
	}
	id, accessor, ok := strings.Cut(rest, ".")
	if !ok || id == "" {
		return nil, false
	}

	sr, ok := results[id]
	if !ok {
		return nil, false
	}

	if accessor == "status" {
		return string(sr.State), true
	}
	if accessor == "result" {
		return sr.Value, true
	}
	if path, ok := strings.CutPrefix(accessor, "result."); ok {
		return walkPath(sr.Value, path)
	}
	return nil, false
}

// walkPath traverses a decoded JSON value by dot path. Map keys and
// numeric array indices are supported.
func walkPath(value any, path string) (any, bool) {
	current := value
	for _, segment := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares with best-effort numeric coercion: when both sides
// are scalar and at least one is a number or number-bearing string, they
// compare as floats. Otherwise equality is by type.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	an, aok := looseNumber(a)
	bn, bok := looseNumber(b)
	if aok && bok {
		return an == bn
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}

	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}
	return false
}

// looseNumber coerces numbers and number-bearing strings.
func looseNumber(v any) (float64, bool) {
	if f, ok := strictNumber(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

// strictNumber accepts actual numeric types only.
func strictNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
	}
	return false
}
