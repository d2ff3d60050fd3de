package archive

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const fileExt = ".parquet"

// Partition is the (year, month, day) key of a batch in the archive timezone.
type Partition struct {
	Year  int
	Month int
	Day   int
}

// Path returns the relative directory of the partition, e.g. year=2026/month=10/day=18.
func (p Partition) Path() string {
	return filepath.Join(
		fmt.Sprintf("year=%04d", p.Year),
		fmt.Sprintf("month=%02d", p.Month),
		fmt.Sprintf("day=%02d", p.Day),
	)
}

func (p Partition) String() string {
	return fmt.Sprintf("year=%04d/month=%02d/day=%02d", p.Year, p.Month, p.Day)
}

// Bounds returns the half-open interval [start, end) covered by the partition.
func (p Partition) Bounds(loc *time.Location) (time.Time, time.Time) {
	start := time.Date(p.Year, time.Month(p.Month), p.Day, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// Resolver maps batch timestamps to partition directories and file names.
type Resolver struct {
	loc      *time.Location
	basename string
}

// NewResolver returns a resolver for the given fixed location. A nil location means UTC.
func NewResolver(loc *time.Location, basename string) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	if basename == "" {
		basename = "market_data"
	}
	return &Resolver{loc: loc, basename: basename}
}

// Location returns the timezone that anchors partition boundaries.
func (r *Resolver) Location() *time.Location { return r.loc }

// Resolve returns the partition holding ts.
func (r *Resolver) Resolve(ts time.Time) Partition {
	t := ts.In(r.loc)
	return Partition{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// FileName returns <basename>_<HHMMSS>.parquet for ts.
func (r *Resolver) FileName(ts time.Time) string {
	return r.basename + "_" + ts.In(r.loc).Format("150405") + fileExt
}

// RelPath joins the partition directory and the file name.
func (r *Resolver) RelPath(ts time.Time) string {
	return filepath.Join(r.Resolve(ts).Path(), r.FileName(ts))
}

// ParsePartition parses a relative partition directory produced by Partition.Path.
func ParsePartition(rel string) (Partition, bool) {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(rel)), "/")
	if len(parts) != 3 {
		return Partition{}, false
	}

	year, ok := parseSegment(parts[0], "year=", 4)
	if !ok {
		return Partition{}, false
	}
	month, ok := parseSegment(parts[1], "month=", 2)
	if !ok || month < 1 || month > 12 {
		return Partition{}, false
	}
	day, ok := parseSegment(parts[2], "day=", 2)
	if !ok || day < 1 || day > 31 {
		return Partition{}, false
	}
	return Partition{Year: year, Month: month, Day: day}, true
}

func parseSegment(seg, prefix string, width int) (int, bool) {
	v, found := strings.CutPrefix(seg, prefix)
	if !found || len(v) != width {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
