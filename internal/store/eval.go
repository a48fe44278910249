package store

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/tabula/model"
)

// matches evaluates a condition against an in-memory record. A condition on a
// to-many path holds when it holds for any related value.
func matches(rec model.Record, c model.Condition) bool {
	if len(c.Any) > 0 {
		for _, sub := range c.Any {
			if matches(rec, sub) {
				return true
			}
		}
		return false
	}

	v, _ := rec.Get(c.Field)
	if many, ok := v.([]any); ok && strings.Contains(c.Field, ".") {
		switch c.Operator {
		case model.OpNull:
			return len(many) == 0
		case model.OpNotNull:
			return len(many) > 0
		}
		for _, item := range many {
			if compareOp(item, c.Operator, c.Value) {
				return true
			}
		}
		return false
	}
	return compareOp(v, c.Operator, c.Value)
}

func compareOp(v any, op model.Operator, want any) bool {
	switch op {
	case model.OpNull:
		return v == nil
	case model.OpNotNull:
		return v != nil
	}
	if v == nil {
		return op == model.OpNeq && want != nil
	}

	switch op {
	case model.OpEq:
		return compareValues(v, want) == 0
	case model.OpNeq:
		return compareValues(v, want) != 0
	case model.OpIn:
		for _, candidate := range asSlice(want) {
			if compareValues(v, candidate) == 0 {
				return true
			}
		}
		return false
	case model.OpContains:
		return strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(fmt.Sprint(want)))
	case model.OpGt:
		return compareValues(v, want) > 0
	case model.OpGte:
		return compareValues(v, want) >= 0
	case model.OpLt:
		return compareValues(v, want) < 0
	case model.OpLte:
		return compareValues(v, want) <= 0
	}
	return false
}

func asSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// compareValues orders two loosely typed values: numerically when both are
// numbers (or numeric strings), chronologically for times, textually
// otherwise. Nil sorts first.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return cmp.Compare(fa, fb)
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return cmp.Compare(boolInt(ba), boolInt(bb))
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
