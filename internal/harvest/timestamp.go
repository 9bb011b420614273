package harvest

import (
	"strings"
	"time"
)

// Timezone names some gateway versions append to bar dates.
var tzSuffixes = []string{"US/Eastern", "America/New_York", "US/Central", "US/Pacific"}

var stringLayouts = []string{
	"20060102 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseBarTime resolves the heterogeneous bar date forms the gateway emits:
// date-only strings (YYYYMMDD), datetime strings, ISO-8601, and epoch
// seconds or milliseconds. Returns false when nothing matched; callers fall
// back to the fetch time.
func parseBarTime(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true

	case string:
		s := strings.TrimSpace(d)
		for _, tz := range tzSuffixes {
			if idx := strings.Index(s, tz); idx >= 0 {
				s = strings.TrimSpace(s[:idx])
				break
			}
		}
		if len(s) == 8 && isDigits(s) {
			if t, err := time.Parse("20060102", s); err == nil {
				return t, true
			}
		}
		for _, layout := range stringLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false

	case float64:
		return epochTime(d), true
	case int64:
		return epochTime(float64(d)), true
	case int:
		return epochTime(float64(d)), true
	}
	return time.Time{}, false
}

// epochTime treats values above 1e10 as milliseconds, otherwise seconds.
func epochTime(v float64) time.Time {
	if v > 1e10 {
		return time.UnixMilli(int64(v))
	}
	return time.Unix(int64(v), 0)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
