package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"QuoteLake/internal/model"
)

// Filter selects records from the archive. Zero values mean unbounded.
// From and To are both inclusive. Limit keeps the first Limit records in
// the requested order, so Descending with a Limit yields the newest rows.
type Filter struct {
	Symbols    []string
	From       time.Time
	To         time.Time
	Limit      int
	Descending bool
}

// Page is a query result with the number of matches before Limit applied.
type Page struct {
	Records []model.QuoteRecord
	Total   int
}

// Truncated reports whether Limit cut the result.
func (p Page) Truncated() bool { return p.Total > len(p.Records) }

func (f Filter) symbolSet() map[string]struct{} {
	if len(f.Symbols) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(f.Symbols))
	for _, s := range f.Symbols {
		if s = model.NormalizeSymbol(s); s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

func (f Filter) matchTime(ts time.Time) bool {
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

// overlaps reports whether any instant of [start, end) can satisfy the filter.
func (f Filter) overlaps(start, end time.Time) bool {
	if !f.From.IsZero() && !end.After(f.From) {
		return false
	}
	if !f.To.IsZero() && start.After(f.To) {
		return false
	}
	return true
}

// Reader scans the archive read-only. Only published files are visible.
type Reader struct {
	root string
	loc  *time.Location
	log  zerolog.Logger
}

// NewReader returns a reader for the archive at root partitioned in loc.
func NewReader(root string, loc *time.Location, log zerolog.Logger) *Reader {
	if loc == nil {
		loc = time.UTC
	}
	return &Reader{root: root, loc: loc, log: log.With().Str("component", "archive_reader").Logger()}
}

// Query returns the matching records ordered by (timestamp, symbol), or the
// reverse when f.Descending is set. Partitions outside the date range are
// never opened.
func (r *Reader) Query(ctx context.Context, f Filter) ([]model.QuoteRecord, error) {
	page, err := r.QueryPage(ctx, f)
	if err != nil {
		return nil, err
	}
	return page.Records, nil
}

// QueryPage is Query that also reports how many records matched before the
// limit was applied.
func (r *Reader) QueryPage(ctx context.Context, f Filter) (Page, error) {
	files, err := r.files(ctx, f)
	if err != nil {
		return Page{}, err
	}

	symbols := f.symbolSet()
	var out []model.QuoteRecord
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}
		rows, err := parquet.ReadFile[quoteRow](path)
		if err != nil {
			return Page{}, fmt.Errorf("read %s: %w", path, err)
		}
		for _, row := range rows {
			rec, err := row.record()
			if err != nil {
				r.log.Warn().Err(err).Str("path", path).Msg("skipping invalid archived row")
				continue
			}
			if symbols != nil {
				if _, ok := symbols[rec.Symbol()]; !ok {
					continue
				}
			}
			if !f.matchTime(rec.Timestamp()) {
				continue
			}
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.Descending {
			a, b = b, a
		}
		ta, tb := a.Timestamp(), b.Timestamp()
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.Symbol() < b.Symbol()
	})

	page := Page{Records: out, Total: len(out)}
	if f.Limit > 0 && len(out) > f.Limit {
		page.Records = out[:f.Limit]
	}
	return page, nil
}

// Symbols returns the distinct symbols present in the filtered range, sorted.
func (r *Reader) Symbols(ctx context.Context, f Filter) ([]string, error) {
	f.Limit = 0
	f.Descending = false
	recs, err := r.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range recs {
		if _, ok := seen[rec.Symbol()]; ok {
			continue
		}
		seen[rec.Symbol()] = struct{}{}
		out = append(out, rec.Symbol())
	}
	sort.Strings(out)
	return out, nil
}

// files lists published archive files in partitions overlapping f.
func (r *Reader) files(ctx context.Context, f Filter) ([]string, error) {
	years, err := readDirs(r.root, "year=")
	if err != nil {
		return nil, err
	}

	var out []string
	for _, y := range years {
		months, err := readDirs(filepath.Join(r.root, y), "month=")
		if err != nil {
			return nil, err
		}
		for _, m := range months {
			days, err := readDirs(filepath.Join(r.root, y, m), "day=")
			if err != nil {
				return nil, err
			}
			for _, d := range days {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				part, ok := ParsePartition(filepath.Join(y, m, d))
				if !ok {
					continue
				}
				if !f.overlaps(part.Bounds(r.loc)) {
					continue
				}
				dir := filepath.Join(r.root, part.Path())
				entries, err := os.ReadDir(dir)
				if err != nil {
					return nil, fmt.Errorf("list partition %s: %w", part, err)
				}
				for _, e := range entries {
					name := e.Name()
					if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
						continue
					}
					out = append(out, filepath.Join(dir, name))
				}
			}
		}
	}
	return out, nil
}

func readDirs(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
