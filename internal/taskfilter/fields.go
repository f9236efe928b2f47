package taskfilter

import (
	"strconv"
	"strings"

	"planesync/backend"
)

// Priority names used by Plane.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
	PriorityNone   = "none"
)

var priorityWeights = map[string]int{
	PriorityUrgent: 4,
	PriorityHigh:   3,
	PriorityMedium: 2,
	PriorityLow:    1,
	PriorityNone:   0,
}

// PriorityWeight ranks a priority name: urgent=4 down to none=0.
// Unknown names weigh 0. Lookup is case-insensitive.
func PriorityWeight(priority string) int {
	return priorityWeights[strings.ToLower(strings.TrimSpace(priority))]
}

// PriorityOf returns the priority of a task. The field is either a string or
// an object whose key (or, failing that, name) holds it.
func PriorityOf(task backend.Task) string {
	switch v := task["priority"].(type) {
	case string:
		return v
	default:
		if m, ok := asMap(v); ok {
			return subfield(m, "key", "name")
		}
	}
	return ""
}

// fieldValues extracts the comparable values of a field. An object yields the
// first non-empty of the given subfields, a list yields one value per element,
// and a scalar yields itself. The second result is false when the field is
// absent or null.
func fieldValues(task backend.Task, field string, subfields ...string) ([]string, bool) {
	v, ok := task[field]
	if !ok || v == nil {
		return nil, false
	}
	if m, ok := asMap(v); ok {
		if s := subfield(m, subfields...); s != "" {
			return []string{s}, true
		}
		return nil, true
	}
	if items, ok := asList(v); ok {
		values := make([]string, 0, len(items))
		for _, item := range items {
			if m, ok := asMap(item); ok {
				if s := subfield(m, subfields...); s != "" {
					values = append(values, s)
				}
				continue
			}
			if s, ok := scalarString(item); ok {
				values = append(values, s)
			}
		}
		return values, true
	}
	if s, ok := scalarString(v); ok {
		return []string{s}, true
	}
	return nil, true
}

func subfield(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := scalarString(m[k]); ok && s != "" {
			return s
		}
	}
	return ""
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case backend.Task:
		return m, true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// scalarString converts JSON scalars to their string form.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return "", false
}
