package value

import (
	"time"
)

// Date/time values are stored as integer millisecond counts: dates and
// dateTimes since the Unix epoch (dates at midnight UTC), times since
// midnight. Conversion to and from wall-clock form is total within the
// representable range. The calendar is proleptic Gregorian; years before 1
// are outside the supported range.

const (
	msPerSecond = int64(1000)
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
)

// dateLayouts are accepted for date input, most specific first.
var dateLayouts = []string{"2006-01-02"}

// dateTimeLayouts are accepted for dateTime input.
var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// timeLayouts are accepted for time-of-day input.
var timeLayouts = []string{"15:04:05.000", "15:04:05", "15:04"}

func parseDateMillis(s string) (int64, bool) {
	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil && t.Year() >= 1 {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

func parseDateTimeMillis(s string) (int64, bool) {
	for _, layout := range dateTimeLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil && t.Year() >= 1 {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

func parseTimeMillis(s string) (int64, bool) {
	for _, layout := range timeLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			midnight := time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC)
			clock := time.Date(0, 1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
			return clock.Sub(midnight).Milliseconds(), true
		}
	}
	return 0, false
}

func formatDate(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02")
}

func formatDateTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05")
}

func formatTime(ms int64) string {
	h := ms / msPerHour
	m := (ms % msPerHour) / msPerMinute
	s := (ms % msPerMinute) / msPerSecond
	return pad2(h) + ":" + pad2(m) + ":" + pad2(s)
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + string(rune('0'+n))
	}
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}

// epochMillis returns the millisecond timestamp of midnight, January 1 of
// the given year, UTC.
func epochMillis(year int) int64 {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
}

// DaysSinceYear converts a date value (milliseconds since the Unix epoch)
// to whole days elapsed since January 1 of the given year.
func DaysSinceYear(dateMillis int64, year int) int64 {
	return floorDiv(dateMillis-epochMillis(year), msPerDay)
}

// SecondsSinceYear converts a dateTime value to whole seconds elapsed since
// January 1 of the given year.
func SecondsSinceYear(dateTimeMillis int64, year int) int64 {
	return floorDiv(dateTimeMillis-epochMillis(year), msPerSecond)
}

// SecondsSinceMidnight converts a time-of-day value to whole seconds.
func SecondsSinceMidnight(timeMillis int64) int64 {
	return floorDiv(timeMillis, msPerSecond)
}

// floorDiv rounds toward negative infinity, so pre-epoch instants land in
// the correct day or second bucket.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
