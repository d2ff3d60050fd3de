package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// parseTime accepts RFC3339, RFC3339Nano, unix seconds or a YYYY-MM-DD date
// in loc. A bare date used as an upper bound covers the whole day.
func parseTime(s string, loc *time.Location, upper bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0), nil
	}
	if d, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		if upper {
			return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return d, nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// splitSymbols accepts both repeated and comma separated symbol parameters.
func splitSymbols(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, strings.ToUpper(part))
			}
		}
	}
	return out
}
