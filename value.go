package binstore

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Bin values arrive from callers and from decoders in many concrete types
// (int, int64, uint8, float32, map[string]any, map[any]any, typed slices).
// The helpers below normalize them for comparison.

func mapLookup(m any, key any) (any, bool) {
	switch t := m.(type) {
	case map[string]any:
		ks, ok := key.(string)
		if !ok {
			return nil, false
		}
		v, ok := t[ks]
		return v, ok
	case map[any]any:
		if v, ok := t[key]; ok {
			return v, true
		}
		for k, v := range t {
			if valuesEqual(k, key, false) {
				return v, true
			}
		}
		return nil, false
	}
	rv := reflect.ValueOf(m)
	if rv.Kind() != reflect.Map {
		return nil, false
	}
	iter := rv.MapRange()
	for iter.Next() {
		if valuesEqual(iter.Key().Interface(), key, false) {
			return iter.Value().Interface(), true
		}
	}
	return nil, false
}

func isNumber(v any) bool {
	_, ok := toFloat(v)
	return ok
}

func isInteger(v any) bool {
	_, ok := toInt(v)
	return ok
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		f := float64(n)
		return int64(f), f == math.Trunc(f) && !math.IsInf(f, 0)
	case float64:
		return int64(n), n == math.Trunc(n) && !math.IsInf(n, 0)
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), !math.IsNaN(float64(n))
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	if u, ok := v.(uint64); ok {
		return float64(u), true
	}
	if u, ok := v.(uint); ok {
		return float64(u), true
	}
	return 0, false
}

// compareValues orders two scalars of the same family (numbers or strings).
// ok is false when the values cannot be ordered against each other.
func compareValues(a, b any, foldCase bool) (int, bool) {
	if ai, aok := exactInt(a); aok {
		if bi, bok := exactInt(b); bok {
			switch {
			case ai < bi:
				return -1, true
			case ai > bi:
				return 1, true
			}
			return 0, true
		}
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		if foldCase {
			as, bs = strings.ToLower(as), strings.ToLower(bs)
		}
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// exactInt is toInt restricted to integer kinds, so float bins are never
// truncated during comparison.
func exactInt(v any) (int64, bool) {
	switch v.(type) {
	case float32, float64:
		return 0, false
	}
	return toInt(v)
}

func valuesEqual(a, b any, foldCase bool) bool {
	if c, ok := compareValues(a, b, foldCase); ok {
		return c == 0
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

// elements lists the members of a collection bin for the given context:
// list items, map keys or map values.
func elements(v any, ctx CollectionContext) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	switch ctx {
	case CollectionList:
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, false
		}
		if _, isBytes := v.([]byte); isBytes {
			return nil, false
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	case CollectionMapKeys, CollectionMapValues:
		if rv.Kind() != reflect.Map {
			return nil, false
		}
		out := make([]any, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			if ctx == CollectionMapKeys {
				out = append(out, iter.Key().Interface())
			} else {
				out = append(out, iter.Value().Interface())
			}
		}
		return out, true
	}
	return nil, false
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}

func formatValues(vs []any) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = formatValue(v)
	}
	return strings.Join(parts, ", ")
}
