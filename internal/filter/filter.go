// Package filter decides whether an event's data satisfies an endpoint's filters.
package filter

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cast"

	"github.com/shohag/hookline/internal/models"
)

// Matches reports whether data satisfies every filter. An empty filter list matches everything.
func Matches(filters []models.Filter, data map[string]any) bool {
	for _, f := range filters {
		if !match(f, data) {
			return false
		}
	}
	return true
}

func match(f models.Filter, data map[string]any) bool {
	actual, ok := lookup(data, f.Field)
	if !ok {
		return false
	}

	switch f.Operator {
	case models.FilterEquals:
		return equal(actual, f.Value)
	case models.FilterContains:
		return strings.Contains(stringify(actual), stringify(f.Value))
	case models.FilterStartsWith:
		return strings.HasPrefix(stringify(actual), stringify(f.Value))
	case models.FilterIn:
		list := reflect.ValueOf(f.Value)
		if list.Kind() != reflect.Slice && list.Kind() != reflect.Array {
			return false
		}
		for i := 0; i < list.Len(); i++ {
			if equal(actual, list.Index(i).Interface()) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// lookup resolves a dotted path ("customer.country") through nested maps.
func lookup(data map[string]any, path string) (any, bool) {
	if v, ok := data[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equal is strict: values of different kinds never match, but numbers compare
// by value so a decoded float64 1000 equals an int 1000.
func equal(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		return cast.ToFloat64(a) == cast.ToFloat64(b)
	}
	return reflect.DeepEqual(a, b)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}
