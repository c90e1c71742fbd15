package types

import (
	"fmt"
	"math"
	"slices"
)

// ValidateEmbedding rejects NaN and infinite components. An empty vector
// is valid (memories without embeddings).
func ValidateEmbedding(v []float32) error {
	for i, c := range v {
		f := float64(c)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Errorf(KindValidation, "embedding component %d is not finite", i)
		}
	}
	return nil
}

// ValidateDimension checks v against an expected dimension. expected <= 0
// means no dimension has been fixed yet.
func ValidateDimension(v []float32, expected int) error {
	if expected > 0 && len(v) != expected {
		return Errorf(KindValidation, "embedding dimension %d does not match store dimension %d", len(v), expected)
	}
	return nil
}

// CloneProperties deep-copies a JSON-like property map. Nested maps and
// slices are copied; scalars are shared.
func CloneProperties(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneProperties(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	case []float32:
		return slices.Clone(t)
	case []float64:
		return slices.Clone(t)
	default:
		return v
	}
}

// LookupProperty resolves a dotted path ("a.b.c") in a property map.
func LookupProperty(props map[string]any, path string) (any, bool) {
	if v, ok := props[path]; ok {
		return v, true
	}
	cur := any(props)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[path[start:i]]
		if !ok {
			return nil, false
		}
		start = i + 1
	}
	return cur, true
}

// PropertyEquals compares a stored property value with a filter value the
// way JSON would: numbers compare numerically regardless of Go type.
func PropertyEquals(stored, want any) bool {
	if sf, ok := toFloat(stored); ok {
		if wf, ok := toFloat(want); ok {
			return sf == wf
		}
		return false
	}
	switch s := stored.(type) {
	case string, bool, nil:
		return s == want
	}
	return fmt.Sprint(stored) == fmt.Sprint(want)
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
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
