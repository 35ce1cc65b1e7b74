package density

import (
	"fmt"
	"strings"
	"time"
)

// Layouts accepted by ParseUTC, tried in order. Layouts without a zone are
// parsed by time.Parse as UTC.
var utcLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseUTC parses an ISO-8601 timestamp. Timestamps without an explicit zone
// are UTC, never local time. The result is always in the UTC location.
func ParseUTC(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range utcLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Nearest returns the catalog instant for stream closest to target. The
// boolean is false when the catalog has no entry for stream. Distance is the
// absolute difference in milliseconds; among equidistant entries the first
// occurrence in catalog order wins.
func Nearest(catalog []TimestampSample, stream StreamKey, target time.Time) (time.Time, bool) {
	var (
		best     time.Time
		bestDist int64
		found    bool
	)
	for _, entry := range catalog {
		if entry.Stream != stream {
			continue
		}
		dist := absMillis(entry.Instant.Sub(target))
		if !found || dist < bestDist {
			best, bestDist, found = entry.Instant, dist, true
		}
	}
	return best, found
}

// NearestPerStream resolves Nearest for every stream. Streams without any
// catalog entry are absent from the result.
func NearestPerStream(catalog []TimestampSample, streams []StreamKey, target time.Time) map[StreamKey]time.Time {
	out := make(map[StreamKey]time.Time, len(streams))
	for _, s := range streams {
		if t, ok := Nearest(catalog, s, target); ok {
			out[s] = t
		}
	}
	return out
}

func absMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 0 {
		return -ms
	}
	return ms
}
