package storage

import (
	"fmt"
	"strings"
	"time"
)

// compareValues orders two column values the way Postgres would for the
// same column type. NULL sorts after every other value.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return 1
		default:
			return -1
		}
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	}
	if x, ok := AsInt64(a); ok {
		if y, ok := AsInt64(b); ok {
			return compareOrdered(x, y)
		}
	}
	if x, ok := asFloat(a); ok {
		if y, ok := asFloat(b); ok {
			return compareOrdered(x, y)
		}
	}
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareOrdered[T int64 | float64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		if n, ok := AsInt64(value); ok {
			if _, isString := value.(string); isString {
				return 0, false
			}
			return float64(n), true
		}
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return compareValues(a, b) == 0
}

// matches evaluates where against row.
func (w Where) matches(row Row) bool {
	for col, want := range w {
		got := row[col]
		switch values := want.(type) {
		case []int64:
			if !containsValue(got, values) {
				return false
			}
		case []string:
			if !containsValue(got, values) {
				return false
			}
		case []any:
			if !containsValue(got, values) {
				return false
			}
		default:
			if !valuesEqual(got, want) {
				return false
			}
		}
	}
	return true
}

func containsValue[T any](got any, values []T) bool {
	for _, v := range values {
		if valuesEqual(got, v) {
			return true
		}
	}
	return false
}
