package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder persists the cycle ledger to a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string, log zerolog.Logger) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets the query API read while the ingestor writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	r := &SQLiteRecorder{db: db, log: log.With().Str("component", "recorder").Logger()}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.log.Info().Str("path", dbPath).Msg("sqlite recorder opened")
	return r, nil
}

// OpenSQLiteReadOnly opens an existing ledger for reading. It never creates
// the file or its tables, and every write through it fails.
func OpenSQLiteReadOnly(dbPath string, log zerolog.Logger) (*SQLiteRecorder, error) {
	dsn := "file:" + filepath.ToSlash(dbPath) + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s read-only: %w", dbPath, err)
	}

	r := &SQLiteRecorder{db: db, log: log.With().Str("component", "recorder").Logger()}
	r.log.Info().Str("path", dbPath).Msg("sqlite ledger opened read-only")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cycles (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			tick        INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL,
			status      TEXT NOT NULL,
			row_count   INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			file        TEXT,
			duration_ms INTEGER,
			error       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_tick ON cycles(tick)`,

		`CREATE TABLE IF NOT EXISTS fetch_failures (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			tick     INTEGER NOT NULL,
			symbol   TEXT NOT NULL,
			kind     TEXT NOT NULL,
			attempts INTEGER,
			error    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_tick ON fetch_failures(tick)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_symbol ON fetch_failures(symbol)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordCycle(ctx context.Context, evt *CycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `INSERT INTO cycles
		(tick, recorded_at, status, row_count, failed, file, duration_ms, error)
		VALUES (?,?,?,?,?,?,?,?)`,
		evt.Tick.Unix(), time.Now().Unix(), string(evt.Status),
		evt.Rows, evt.Failed, evt.File, evt.Duration.Milliseconds(), evt.Err,
	)
	return err
}

func (r *SQLiteRecorder) RecordFetchFailure(ctx context.Context, evt *FetchFailureEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `INSERT INTO fetch_failures
		(tick, symbol, kind, attempts, error)
		VALUES (?,?,?,?,?)`,
		evt.Tick.Unix(), evt.Symbol, evt.Kind, evt.Attempts, evt.Err,
	)
	return err
}

// RecentCycles returns up to limit ledger entries, newest first.
func (r *SQLiteRecorder) RecentCycles(ctx context.Context, limit int) ([]CycleEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT tick, status, row_count, failed,
		COALESCE(file, ''), COALESCE(duration_ms, 0), COALESCE(error, '')
		FROM cycles ORDER BY tick DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleEvent
	for rows.Next() {
		var (
			evt    CycleEvent
			tick   int64
			status string
			durMs  int64
		)
		if err := rows.Scan(&tick, &status, &evt.Rows, &evt.Failed, &evt.File, &durMs, &evt.Err); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		evt.Tick = time.Unix(tick, 0).UTC()
		evt.Status = CycleStatus(status)
		evt.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, evt)
	}
	return out, rows.Err()
}

// FailureCount returns how many fetch failures were journaled for symbol.
func (r *SQLiteRecorder) FailureCount(ctx context.Context, symbol string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fetch_failures WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}

func (r *SQLiteRecorder) Close() error {
	r.log.Info().Msg("closing sqlite recorder")
	return r.db.Close()
}
