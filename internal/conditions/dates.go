package conditions

import (
	"regexp"
	"strings"
	"time"

	"github.com/formflow/formflow/pkg/schema"
)

var timeOnlyRe = regexp.MustCompile(`^\d{1,2}:\d{2}(:\d{2})?$`)

// isTimeOnly reports whether the string is a bare HH:MM[:SS] clock value.
func isTimeOnly(v any) bool {
	s, ok := v.(string)
	return ok && timeOnlyRe.MatchString(strings.TrimSpace(s))
}

// padTimeString zero-pads each clock segment so lexicographic comparison
// orders correctly ("9:05" → "09:05").
func padTimeString(s string) string {
	parts := strings.Split(strings.TrimSpace(s), ":")
	for i, p := range parts {
		if len(p) == 1 {
			parts[i] = "0" + p
		}
	}
	return strings.Join(parts, ":")
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// parseTimestamp converts an operand value to an absolute instant. Numeric
// values are epoch seconds or milliseconds, disambiguated by magnitude.
func parseTimestamp(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		s := strings.TrimSpace(val)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	default:
		if n, ok := asNumber(v); ok {
			if n > 1e11 {
				return time.UnixMilli(int64(n)), true
			}
			return time.Unix(int64(n), 0), true
		}
		return time.Time{}, false
	}
}

// bucket is a half-open [Start, End) time range.
type bucket struct {
	Start time.Time
	End   time.Time
}

func (b bucket) contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns the Monday 00:00 of t's week.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

func startOfYear(t time.Time) time.Time {
	return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
}

// bucketFor computes the half-open range for a named date bucket relative
// to the current wall-clock instant. n applies only to last_n_days /
// next_n_days.
func bucketFor(op schema.Operator, now time.Time, n float64) (bucket, bool) {
	day := startOfDay(now)
	switch op {
	case schema.OpIsToday:
		return bucket{day, day.AddDate(0, 0, 1)}, true
	case schema.OpIsYesterday:
		return bucket{day.AddDate(0, 0, -1), day}, true
	case schema.OpIsTomorrow:
		return bucket{day.AddDate(0, 0, 1), day.AddDate(0, 0, 2)}, true
	case schema.OpThisWeek:
		week := startOfWeek(now)
		return bucket{week, week.AddDate(0, 0, 7)}, true
	case schema.OpLastWeek:
		week := startOfWeek(now)
		return bucket{week.AddDate(0, 0, -7), week}, true
	case schema.OpNextWeek:
		week := startOfWeek(now)
		return bucket{week.AddDate(0, 0, 7), week.AddDate(0, 0, 14)}, true
	case schema.OpThisMonth:
		month := startOfMonth(now)
		return bucket{month, month.AddDate(0, 1, 0)}, true
	case schema.OpLastMonth:
		month := startOfMonth(now)
		return bucket{month.AddDate(0, -1, 0), month}, true
	case schema.OpNextMonth:
		month := startOfMonth(now)
		return bucket{month.AddDate(0, 1, 0), month.AddDate(0, 2, 0)}, true
	case schema.OpThisYear:
		year := startOfYear(now)
		return bucket{year, year.AddDate(1, 0, 0)}, true
	case schema.OpLastYear:
		year := startOfYear(now)
		return bucket{year.AddDate(-1, 0, 0), year}, true
	case schema.OpLastNDays:
		return bucket{day.AddDate(0, 0, -int(n)), day.AddDate(0, 0, 1)}, true
	case schema.OpNextNDays:
		return bucket{day, day.AddDate(0, 0, int(n)+1)}, true
	default:
		return bucket{}, false
	}
}

// dateOperator reports whether the operator belongs to the date/time family.
func dateOperator(op schema.Operator) bool {
	switch op {
	case schema.OpAfter, schema.OpBefore, schema.OpOnOrAfter, schema.OpOnOrBefore, schema.OpBetween,
		schema.OpIsToday, schema.OpIsYesterday, schema.OpIsTomorrow,
		schema.OpThisWeek, schema.OpLastWeek, schema.OpNextWeek,
		schema.OpThisMonth, schema.OpLastMonth, schema.OpNextMonth,
		schema.OpThisYear, schema.OpLastYear,
		schema.OpLastNDays, schema.OpNextNDays:
		return true
	}
	return false
}
