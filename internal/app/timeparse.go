package app

import (
	"strconv"
	"strings"
	"time"
)

// parseTimestamp copes with the server's two timestamp dialects: sessions
// recovered from the filesystem carry Unix-seconds numeric strings, newer
// ones ISO-8601. A numeric value between ~1e9 and ~1e10 is taken as Unix
// seconds (that range covers 2001 through 2286). Anything unparseable falls
// back to now rather than failing the listing.
func parseTimestamp(raw string, now time.Time) time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return now
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n >= 1e9 && n < 1e10 {
			sec := int64(n)
			nsec := int64((n - float64(sec)) * 1e9)
			return time.Unix(sec, nsec).UTC()
		}
		return now
	}

	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return now
}
