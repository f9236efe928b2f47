package taskfilter

import (
	"strings"
	"time"

	"planesync/internal/utils"
)

// timestampLayouts are tried in order. Layouts with seconds also accept a
// fractional part when parsing. Values without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats the API and users produce:
// RFC 3339 with Z or ±hh:mm, ±hhmm offsets, naive date-times with T or a
// space, and bare dates. Non-string and unparseable values yield false.
func ParseTimestamp(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	utils.Debugf("taskfilter: cannot parse timestamp %q", s)
	return time.Time{}, false
}

// epoch returns t as fractional Unix seconds.
func epoch(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
