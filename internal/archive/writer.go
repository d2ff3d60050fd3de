package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"QuoteLake/internal/model"
)

const tmpMarker = ".tmp-"

// CommittedFile describes a batch that became visible in the archive.
type CommittedFile struct {
	Path        string
	Partition   Partition
	Rows        int
	Size        int64
	CommittedAt time.Time
}

// Writer commits batches into the partitioned archive. A file is either
// absent or complete at its final path; existing files are never overwritten.
type Writer struct {
	root     string
	resolver *Resolver
	log      zerolog.Logger
}

// NewWriter returns a writer rooted at root.
func NewWriter(root string, resolver *Resolver, log zerolog.Logger) *Writer {
	return &Writer{
		root:     root,
		resolver: resolver,
		log:      log.With().Str("component", "archive_writer").Logger(),
	}
}

// Root returns the archive root directory.
func (w *Writer) Root() string { return w.root }

// Commit writes batch to <root>/<partition>/<basename>_<HHMMSS>.parquet.
// The batch is sealed on success.
func (w *Writer) Commit(ctx context.Context, batch *model.Batch) (CommittedFile, error) {
	if batch == nil || batch.Empty() {
		return CommittedFile{}, ErrEmptyBatch
	}
	if batch.Sealed() {
		return CommittedFile{}, model.ErrBatchSealed
	}

	ts := batch.CapturedAt()
	part := w.resolver.Resolve(ts)
	final := filepath.Join(w.root, w.resolver.RelPath(ts))
	dir := filepath.Dir(final)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CommittedFile{}, &WriteError{Kind: IO, Path: dir, Err: err}
	}

	if _, err := os.Lstat(final); err == nil {
		return CommittedFile{}, &WriteError{Kind: Conflict, Path: final}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return CommittedFile{}, &WriteError{Kind: IO, Path: final, Err: err}
	}

	tmp, size, err := w.stage(dir, filepath.Base(final), batch.Records())
	if err != nil {
		return CommittedFile{}, &WriteError{Kind: IO, Path: final, Err: err}
	}

	if err := ctx.Err(); err != nil {
		w.removeTemp(tmp)
		return CommittedFile{}, &WriteError{Kind: Aborted, Path: final, Err: err}
	}

	if err := os.Link(tmp, final); err != nil {
		w.removeTemp(tmp)
		if errors.Is(err, fs.ErrExist) {
			return CommittedFile{}, &WriteError{Kind: Conflict, Path: final}
		}
		return CommittedFile{}, &WriteError{Kind: IO, Path: final, Err: fmt.Errorf("publish: %w", err)}
	}

	// The final name is visible from here on; later failures are only logged.
	w.removeTemp(tmp)
	if err := syncDir(dir); err != nil {
		w.log.Warn().Err(err).Str("path", dir).Msg("fsync partition directory failed")
	}
	batch.Seal()

	return CommittedFile{
		Path:        final,
		Partition:   part,
		Rows:        batch.Len(),
		Size:        size,
		CommittedAt: time.Now(),
	}, nil
}

// stage writes the records into a hidden temp file next to the final name
// and returns its path once the data is durable.
func (w *Writer) stage(dir, finalName string, recs []model.QuoteRecord) (string, int64, error) {
	tmp := filepath.Join(dir, "."+finalName+tmpMarker+uuid.NewString())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create temp: %w", err)
	}

	fail := func(err error) (string, int64, error) {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}

	pw := parquet.NewGenericWriter[quoteRow](f, parquet.Compression(&parquet.Snappy))
	if _, err := pw.Write(toRows(recs)); err != nil {
		return fail(fmt.Errorf("encode rows: %w", err))
	}
	if err := pw.Close(); err != nil {
		return fail(fmt.Errorf("finish parquet: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("fsync temp: %w", err))
	}
	info, err := f.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat temp: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("close temp: %w", err)
	}
	return tmp, info.Size(), nil
}

func (w *Writer) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.Warn().Err(err).Str("path", path).Msg("remove temp file failed")
	}
}

// Recover removes temp files left behind by an interrupted commit. Only
// files last modified more than staleAfter ago are removed, so a commit in
// flight in another process keeps its temp file. staleAfter <= 0 removes
// every temp file. It returns the number of files removed.
func (w *Writer) Recover(staleAfter time.Duration) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-staleAfter)
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !isTempName(d.Name()) {
			return nil
		}
		if staleAfter > 0 {
			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if info.ModTime().After(cutoff) {
				w.log.Debug().Str("path", path).Time("modified", info.ModTime()).Msg("temp file is recent, leaving it")
				return nil
			}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale temp %s: %w", path, err)
		}
		removed++
		w.log.Info().Str("path", path).Msg("removed stale temp file")
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("recover archive: %w", err)
	}
	return removed, nil
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tmpMarker)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
