package conditions

import (
	"strings"
	"time"

	"github.com/formflow/formflow/pkg/schema"
)

// Compare applies a comparison operator to two resolved operand values.
// now anchors the relative date predicates. An unknown operator is a
// configuration error.
func Compare(left, right any, op schema.Operator, now time.Time) (bool, error) {
	switch op {
	case schema.OpExists:
		return !IsEmpty(left), nil
	case schema.OpNotExists:
		return IsEmpty(left), nil
	}

	if dateOperator(op) {
		return compareDates(left, right, op, now)
	}

	switch op {
	case schema.OpEquals:
		return valuesEqual(left, right), nil
	case schema.OpNotEquals:
		return !valuesEqual(left, right), nil

	case schema.OpGreaterThan, schema.OpLessThan, schema.OpGreaterOrEqual, schema.OpLessOrEqual:
		return compareOrdering(left, right, op), nil

	case schema.OpContains:
		return containsValue(left, right), nil
	case schema.OpNotContains:
		return !containsValue(left, right), nil
	case schema.OpStartsWith:
		return strings.HasPrefix(foldStr(left), foldStr(right)), nil
	case schema.OpEndsWith:
		return strings.HasSuffix(foldStr(left), foldStr(right)), nil

	case schema.OpIn:
		return inSet(left, right), nil
	case schema.OpNotIn:
		return !inSet(left, right), nil
	}

	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown comparison operator %q", op)
}

// valuesEqual implements the equality rules: an array-valued operand equals
// a scalar only when it holds exactly one value equal to the scalar; two
// arrays are equal as sets of equal size; scalars compare with a
// case-insensitive string fallback.
func valuesEqual(left, right any) bool {
	leftArr, rightArr := isArrayValue(left), isArrayValue(right)
	switch {
	case leftArr && rightArr:
		ls, rs := normalizeToStrings(left), normalizeToStrings(right)
		if len(ls) != len(rs) {
			return false
		}
		for _, lv := range ls {
			found := false
			for _, rv := range rs {
				if strings.EqualFold(lv, rv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case leftArr:
		return singleMatch(normalizeToStrings(left), right)
	case rightArr:
		return singleMatch(normalizeToStrings(right), left)
	default:
		return equalsFold(left, right)
	}
}

// singleMatch requires the array to contain exactly one value equal to the
// scalar, not merely "contains".
func singleMatch(values []string, scalar any) bool {
	if len(values) != 1 {
		return false
	}
	return strings.EqualFold(values[0], strings.TrimSpace(stringify(scalar)))
}

// compareOrdering orders numerically when both sides parse as numbers,
// lexicographically otherwise. Bare clock values compare lexicographically
// after zero-padding.
func compareOrdering(left, right any, op schema.Operator) bool {
	if isTimeOnly(left) && isTimeOnly(right) {
		return orderStrings(padTimeString(left.(string)), padTimeString(right.(string)), op)
	}
	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if lok && rok {
		switch op {
		case schema.OpGreaterThan:
			return ln > rn
		case schema.OpLessThan:
			return ln < rn
		case schema.OpGreaterOrEqual:
			return ln >= rn
		default:
			return ln <= rn
		}
	}
	return orderStrings(stringify(left), stringify(right), op)
}

func orderStrings(l, r string, op schema.Operator) bool {
	switch op {
	case schema.OpGreaterThan:
		return l > r
	case schema.OpLessThan:
		return l < r
	case schema.OpGreaterOrEqual:
		return l >= r
	default:
		return l <= r
	}
}

// containsValue is membership for array operands, case-insensitive
// substring match for strings.
func containsValue(left, right any) bool {
	if isArrayValue(left) {
		needle := strings.TrimSpace(stringify(right))
		for _, v := range normalizeToStrings(left) {
			if strings.EqualFold(v, needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(foldStr(left), foldStr(right))
}

// inSet tests membership of the left value against a literal array or
// comma-separated string on the right. An array-valued left matches when
// any of its elements is in the set.
func inSet(left, right any) bool {
	set := asList(right)
	for _, lv := range normalizeToStrings(left) {
		for _, rv := range set {
			if strings.EqualFold(strings.TrimSpace(lv), rv) {
				return true
			}
		}
	}
	return false
}

// compareDates handles the absolute and relative date predicates.
func compareDates(left, right any, op schema.Operator, now time.Time) (bool, error) {
	switch op {
	case schema.OpAfter, schema.OpBefore, schema.OpOnOrAfter, schema.OpOnOrBefore:
		// Bare clock values order lexicographically after zero-padding.
		if isTimeOnly(left) && isTimeOnly(right) {
			l, r := padTimeString(left.(string)), padTimeString(right.(string))
			switch op {
			case schema.OpAfter:
				return l > r, nil
			case schema.OpBefore:
				return l < r, nil
			case schema.OpOnOrAfter:
				return l >= r, nil
			default:
				return l <= r, nil
			}
		}
		lt, lok := parseTimestamp(left)
		rt, rok := parseTimestamp(right)
		if !lok || !rok {
			return false, nil
		}
		switch op {
		case schema.OpAfter:
			return lt.After(rt), nil
		case schema.OpBefore:
			return lt.Before(rt), nil
		case schema.OpOnOrAfter:
			return !lt.Before(rt), nil
		default:
			return !lt.After(rt), nil
		}

	case schema.OpBetween:
		bounds := normalizeToStrings(right)
		if len(bounds) != 2 {
			return false, schema.NewError(schema.ErrCodeValidation, "between requires a two-element range")
		}
		lt, lok := parseTimestamp(left)
		start, sok := parseTimestamp(bounds[0])
		end, eok := parseTimestamp(bounds[1])
		if !lok || !sok || !eok {
			return false, nil
		}
		return !lt.Before(start) && !lt.After(end), nil

	default:
		var n float64
		if op == schema.OpLastNDays || op == schema.OpNextNDays {
			parsed, ok := asNumber(right)
			if !ok {
				return false, schema.NewErrorf(schema.ErrCodeValidation, "%s requires a numeric day count", op)
			}
			n = parsed
		}
		b, ok := bucketFor(op, now, n)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown date operator %q", op)
		}
		lt, lok := parseTimestamp(left)
		if !lok {
			return false, nil
		}
		return b.contains(lt), nil
	}
}

func foldStr(v any) string {
	return strings.ToLower(strings.TrimSpace(stringify(v)))
}
