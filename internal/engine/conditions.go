package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Condition operator names.
const (
	CondEquals      = "equals"
	CondNotEquals   = "not_equals"
	CondGreaterThan = "greater_than"
	CondLessThan    = "less_than"
	CondContains    = "contains"
	CondNotContains = "not_contains"
	CondExists      = "exists"
	CondNotExists   = "not_exists"
)

// KnownConditionType reports whether t names a supported operator.
func KnownConditionType(t string) bool {
	switch t {
	case CondEquals, CondNotEquals, CondGreaterThan, CondLessThan,
		CondContains, CondNotContains, CondExists, CondNotExists:
		return true
	}
	return false
}

// EvaluateConditions reports whether all conditions hold against the
// execution context. An empty list holds trivially.
func EvaluateConditions(conds []Condition, execCtx map[string]any) bool {
	for _, c := range conds {
		if !evaluateCondition(c, execCtx) {
			return false
		}
	}
	return true
}

func evaluateCondition(c Condition, execCtx map[string]any) bool {
	v, ok := execCtx[c.Field]

	switch c.Type {
	case CondExists:
		return ok && v != nil
	case CondNotExists:
		return !ok || v == nil
	case CondEquals:
		return deepEqualLoose(v, c.Value)
	case CondNotEquals:
		return !deepEqualLoose(v, c.Value)
	case CondGreaterThan, CondLessThan:
		// Both operands must be numeric; anything else is false.
		left, okL := toFloat(v)
		right, okR := toFloat(c.Value)
		if !okL || !okR {
			return false
		}
		if c.Type == CondGreaterThan {
			return left > right
		}
		return left < right
	case CondContains:
		return containsValue(v, c.Value)
	case CondNotContains:
		return !containsValue(v, c.Value)
	}
	return false
}

// containsValue implements genuine containment: element membership for
// slices (loose equality), substring search for everything else.
func containsValue(haystack, needle any) bool {
	if haystack == nil {
		return false
	}
	if items, ok := haystack.([]any); ok {
		for _, item := range items {
			if deepEqualLoose(item, needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(fmt.Sprintf("%v", haystack), fmt.Sprintf("%v", needle))
}

func deepEqualLoose(a, b any) bool {
	// Normalize numbers (JSON unmarshalling yields float64).
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if oka && okb {
		return math.Abs(fa-fb) < 1e-9
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
