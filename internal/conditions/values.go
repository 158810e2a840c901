package conditions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// emptyMarkers are strings that count as "no value yet" after trimming and
// lowercasing. Form renderers emit these placeholders for unanswered fields.
var emptyMarkers = map[string]bool{
	"":          true,
	"n/a":       true,
	"na":        true,
	"null":      true,
	"undefined": true,
}

// IsEmpty reports whether a value counts as absent for waiting semantics:
// nil, an empty array, or a placeholder string.
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return emptyMarkers[strings.ToLower(strings.TrimSpace(val))]
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		// Access-control shape with both lists empty carries no value.
		users, hasUsers := val["users"]
		groups, hasGroups := val["groups"]
		if hasUsers || hasGroups {
			return len(normalizeToStrings(users))+len(normalizeToStrings(groups)) == 0
		}
		return false
	default:
		return false
	}
}

// normalizeToStrings flattens an array-valued operand to its string values,
// unwrapping {value} / {id} element shapes and access-control {users, groups}
// containers. A scalar yields a one-element slice; nil yields nil.
func normalizeToStrings(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(val))
		for _, elem := range val {
			out = append(out, normalizeToStrings(elem)...)
		}
		return out
	case []string:
		return val
	case map[string]any:
		if inner, ok := val["value"]; ok {
			return normalizeToStrings(inner)
		}
		if inner, ok := val["id"]; ok {
			return normalizeToStrings(inner)
		}
		users, hasUsers := val["users"]
		groups, hasGroups := val["groups"]
		if hasUsers || hasGroups {
			out := normalizeToStrings(users)
			return append(out, normalizeToStrings(groups)...)
		}
		return nil
	default:
		return []string{stringify(val)}
	}
}

// isArrayValue reports whether the operand should get set semantics.
func isArrayValue(v any) bool {
	switch val := v.(type) {
	case []any, []string:
		return true
	case map[string]any:
		_, hasUsers := val["users"]
		_, hasGroups := val["groups"]
		return hasUsers || hasGroups
	default:
		return false
	}
}

// stringify renders a scalar the way form payloads compare it: numbers
// without a trailing ".0", booleans as true/false.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// asNumber parses a value as a float64, reporting success.
func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// asList coerces a literal operand into a set of strings for in/not_in:
// an array stays an array; a comma-separated string splits on commas.
func asList(v any) []string {
	if s, ok := v.(string); ok && strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return normalizeToStrings(v)
}

// equalsFold compares two scalar values: raw equality first, then
// case-insensitive string comparison of their rendered forms.
func equalsFold(a, b any) bool {
	if a == b {
		return true
	}
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na == nb
		}
	}
	return strings.EqualFold(strings.TrimSpace(stringify(a)), strings.TrimSpace(stringify(b)))
}
