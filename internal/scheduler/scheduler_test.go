package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"QuoteLake/internal/archive"
	"QuoteLake/internal/clock"
	"QuoteLake/internal/collector"
	"QuoteLake/internal/collector/mock"
	"QuoteLake/internal/metrics"
	"QuoteLake/internal/model"
	"QuoteLake/internal/recorder"
)

var start = time.Date(2026, 10, 18, 14, 30, 0, 0, time.UTC)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func rawQuote(symbol string, price float64) model.RawQuote {
	return model.RawQuote{
		Symbol:    symbol,
		Price:     model.Float(price),
		ChangePct: model.Float(0.25),
		Volume:    model.Float(1000),
	}
}

// stubFetcher returns canned outcomes and can run a hook first.
type stubFetcher struct {
	before   func()
	outcomes []collector.Outcome
}

func (f *stubFetcher) Collect(_ context.Context, _ []string) []collector.Outcome {
	if f.before != nil {
		f.before()
	}
	return f.outcomes
}

type fixture struct {
	root   string
	clock  *clock.Fake
	writer *archive.Writer
	reader *archive.Reader
	ledger *recorder.SQLiteRecorder
	logs   *syncBuffer
	log    zerolog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	log := zerolog.New(logs)
	root := t.TempDir()

	ledger, err := recorder.NewSQLiteRecorder(filepath.Join(t.TempDir(), "ledger.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	return &fixture{
		root:   root,
		clock:  clock.NewFake(start),
		writer: archive.NewWriter(root, archive.NewResolver(time.UTC, "market_data"), log),
		reader: archive.NewReader(root, time.UTC, zerolog.Nop()),
		ledger: ledger,
		logs:   logs,
		log:    log,
	}
}

func (f *fixture) scheduler(t *testing.T, fetcher Fetcher, symbols ...string) *Scheduler {
	t.Helper()
	s, err := NewScheduler(
		Config{Symbols: symbols, Schedule: cron.Every(time.Second)},
		fetcher, f.writer, f.ledger, metrics.New(prometheus.NewRegistry()), f.clock, f.log,
	)
	require.NoError(t, err)
	return s
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)

	// Arrange: MSFT is unknown on the first tick and recovers on the second.
	ctrl := gomock.NewController(t)
	p := mock.NewMockProvider(ctrl)
	p.EXPECT().Name().Return("mock").AnyTimes()
	p.EXPECT().Fetch(gomock.Any(), "AAPL").Return(rawQuote("AAPL", 231.5), nil).Times(2)
	gomock.InOrder(
		p.EXPECT().Fetch(gomock.Any(), "MSFT").
			Return(model.RawQuote{}, &collector.FetchError{Kind: collector.Permanent, Symbol: "MSFT", Err: errors.New("not found")}),
		p.EXPECT().Fetch(gomock.Any(), "MSFT").Return(rawQuote("MSFT", 410.1), nil),
	)

	col := collector.NewCollector(p, collector.Options{Concurrency: 2, MaxRetries: 2}, f.clock, f.log)
	s := f.scheduler(t, col, "AAPL", "MSFT")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Act: tick 1 runs immediately, then the scheduler sleeps.
	f.clock.BlockUntil(1)
	assert.Equal(t, Sleeping, s.State())

	recs, err := f.reader.Query(ctx, archive.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "AAPL", recs[0].Symbol())

	// Act: tick 2.
	f.clock.Advance(time.Second)
	f.clock.BlockUntil(1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, Stopped, s.State())

	// Assert: two files in the same partition, one and two rows.
	dir := filepath.Join(f.root, "year=2026", "month=10", "day=18")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "market_data_143000.parquet", entries[0].Name())
	assert.Equal(t, "market_data_143001.parquet", entries[1].Name())

	second, err := f.reader.Query(context.Background(), archive.Filter{From: start.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, "AAPL", second[0].Symbol())
	assert.Equal(t, "MSFT", second[1].Symbol())

	logs := f.logs.String()
	assert.Contains(t, logs, `"symbol":"MSFT"`)
	assert.Contains(t, logs, `"kind":"permanent"`)
	assert.Contains(t, logs, `"symbols":["AAPL","MSFT"]`)

	n, err := f.ledger.FailureCount(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cycles, err := f.ledger.RecentCycles(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, recorder.StatusCommitted, cycles[0].Status)
	assert.Equal(t, 2, cycles[0].Rows)
	assert.Equal(t, 1, cycles[1].Rows)
	assert.Equal(t, 1, cycles[1].Failed)
	assert.Equal(t, int64(2), s.Cycles())
}

func TestRunCycle_EmptyBatchIsNoop(t *testing.T) {
	f := newFixture(t)
	fetcher := &stubFetcher{outcomes: []collector.Outcome{
		{Symbol: "AAPL", Err: &collector.FetchError{Kind: collector.Transient, Symbol: "AAPL", Err: errors.New("503")}, Attempts: 4},
		{Symbol: "MSFT", Err: &collector.FetchError{Kind: collector.Permanent, Symbol: "MSFT", Err: errors.New("404")}, Attempts: 1},
	}}
	s := f.scheduler(t, fetcher, "AAPL", "MSFT")

	res := s.RunCycle(context.Background(), start)

	assert.Equal(t, recorder.StatusNoop, res.Status)
	assert.Nil(t, res.File)
	assert.Len(t, res.Failures, 2)
	assert.Equal(t, "transient", res.Failures[0].Kind)
	assert.Equal(t, 4, res.Failures[0].Attempts)
	assert.NoDirExists(t, filepath.Join(f.root, "year=2026"))
	assert.Contains(t, f.logs.String(), "empty batch")
}

func TestRunCycle_DropsInvalidRecords(t *testing.T) {
	f := newFixture(t)
	bad := rawQuote("MSFT", 10)
	bad.Volume = model.Float(12.5)
	fetcher := &stubFetcher{outcomes: []collector.Outcome{
		{Symbol: "AAPL", Raw: rawQuote("aapl", 1), Attempts: 1},
		{Symbol: "MSFT", Raw: bad, Attempts: 1},
	}}
	s := f.scheduler(t, fetcher, "AAPL", "MSFT")

	res := s.RunCycle(context.Background(), start)

	require.Equal(t, recorder.StatusCommitted, res.Status)
	assert.Equal(t, 1, res.Rows)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "validation", res.Failures[0].Kind)

	var verr *model.ValidationError
	assert.ErrorAs(t, res.Failures[0].Err, &verr)
	assert.Contains(t, f.logs.String(), "record dropped")
}

func TestRunCycle_ConflictKeepsExistingFile(t *testing.T) {
	f := newFixture(t)
	fetcher := &stubFetcher{outcomes: []collector.Outcome{{Symbol: "AAPL", Raw: rawQuote("AAPL", 1), Attempts: 1}}}
	s := f.scheduler(t, fetcher, "AAPL")

	first := s.RunCycle(context.Background(), start)
	require.Equal(t, recorder.StatusCommitted, first.Status)
	before, err := os.ReadFile(first.File.Path)
	require.NoError(t, err)

	fetcher.outcomes = []collector.Outcome{{Symbol: "AAPL", Raw: rawQuote("AAPL", 2), Attempts: 1}}
	second := s.RunCycle(context.Background(), start)

	assert.Equal(t, recorder.StatusConflict, second.Status)
	assert.ErrorIs(t, second.Err, archive.ErrConflict)
	after, err := os.ReadFile(first.File.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Contains(t, f.logs.String(), `"kind":"conflict"`)
}

func TestRunCycle_IOErrorDoesNotStopScheduler(t *testing.T) {
	f := newFixture(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	f.writer = archive.NewWriter(blocker, archive.NewResolver(time.UTC, "market_data"), f.log)

	fetcher := &stubFetcher{outcomes: []collector.Outcome{{Symbol: "AAPL", Raw: rawQuote("AAPL", 1), Attempts: 1}}}
	s := f.scheduler(t, fetcher, "AAPL")

	res := s.RunCycle(context.Background(), start)
	assert.Equal(t, recorder.StatusIOError, res.Status)
	assert.Error(t, res.Err)
	assert.Contains(t, f.logs.String(), `"level":"error"`)

	res = s.RunCycle(context.Background(), start.Add(time.Second))
	assert.Equal(t, recorder.StatusIOError, res.Status, "next tick still runs")
}

func TestRunCycle_ShutdownBeforePublishDiscardsBatch(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shutdown arrives while the fetch phase is finishing.
	fetcher := &stubFetcher{
		before:   cancel,
		outcomes: []collector.Outcome{{Symbol: "AAPL", Raw: rawQuote("AAPL", 1), Attempts: 1}},
	}
	s := f.scheduler(t, fetcher, "AAPL")

	res := s.RunCycle(ctx, start)

	assert.Equal(t, recorder.StatusAborted, res.Status)
	assert.ErrorIs(t, res.Err, archive.ErrAborted)
	recs, err := f.reader.Query(context.Background(), archive.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)

	// The ledger still records the discarded cycle.
	cycles, err := f.ledger.RecentCycles(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, recorder.StatusAborted, cycles[0].Status)
}

func TestRunCycle_TickNearMidnightStaysInItsDay(t *testing.T) {
	f := newFixture(t)
	tick := time.Date(2026, 10, 18, 23, 59, 59, 0, time.UTC)
	f.clock.Set(tick)

	// Fetching takes long enough to cross midnight.
	fetcher := &stubFetcher{
		before: func() { f.clock.Advance(5 * time.Second) },
		outcomes: []collector.Outcome{
			{Symbol: "AAPL", Raw: rawQuote("AAPL", 1), Attempts: 1},
			{Symbol: "MSFT", Raw: rawQuote("MSFT", 2), Attempts: 1},
		},
	}
	s := f.scheduler(t, fetcher, "AAPL", "MSFT")

	res := s.RunCycle(context.Background(), tick)

	require.Equal(t, recorder.StatusCommitted, res.Status)
	assert.Equal(t, archive.Partition{Year: 2026, Month: 10, Day: 18}, res.File.Partition)
	assert.Equal(t, "market_data_235959.parquet", filepath.Base(res.File.Path))
	assert.Equal(t, 2, res.File.Rows)
	assert.Equal(t, 5*time.Second, res.Duration)
}

func TestRun_StopWhileSleeping(t *testing.T) {
	f := newFixture(t)
	fetcher := &stubFetcher{outcomes: []collector.Outcome{{Symbol: "AAPL", Raw: rawQuote("AAPL", 1), Attempts: 1}}}
	s, err := NewScheduler(
		Config{Symbols: []string{"AAPL"}, Schedule: cron.Every(time.Hour)},
		fetcher, f.writer, nil, nil, f.clock, f.log,
	)
	require.NoError(t, err)
	assert.Equal(t, Idle, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	f.clock.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, int64(1), s.Cycles())
	require.NotNil(t, s.LastResult())
	assert.Equal(t, recorder.StatusCommitted, s.LastResult().Status)
}

func TestRun_OverrunFiresImmediately(t *testing.T) {
	f := newFixture(t)
	calls := 0
	fetcher := &stubFetcher{outcomes: []collector.Outcome{{Symbol: "AAPL", Raw: rawQuote("AAPL", 1), Attempts: 1}}}
	fetcher.before = func() {
		calls++
		if calls == 1 {
			// First cycle takes 2.5 periods.
			f.clock.Advance(5*time.Minute + 30*time.Second)
		}
	}
	s, err := NewScheduler(
		Config{Symbols: []string{"AAPL"}, Schedule: cron.Every(2 * time.Minute)},
		fetcher, f.writer, nil, nil, f.clock, f.log,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Second cycle runs without waiting, then sleeps a full period.
	f.clock.BlockUntil(1)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 2, calls)
	require.NotNil(t, s.LastResult())
	assert.True(t, s.LastResult().Tick.Equal(start.Add(5*time.Minute+30*time.Second)), "tick = %s", s.LastResult().Tick)
	assert.Contains(t, f.logs.String(), `"skipped":2`)
}

func TestNextTick(t *testing.T) {
	every := cron.Every(2 * time.Minute)
	prev := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		now     time.Time
		want    time.Time
		skipped int
	}{
		{"on time", prev.Add(30 * time.Second), prev.Add(2 * time.Minute), 0},
		{"exactly at slot", prev.Add(2 * time.Minute), prev.Add(2 * time.Minute), 0},
		{"sub-second late", prev.Add(2*time.Minute + 500*time.Millisecond), prev.Add(2 * time.Minute), 0},
		{"overrun", prev.Add(5*time.Minute + 30*time.Second), prev.Add(5*time.Minute + 30*time.Second), 2},
		{"overrun fraction", prev.Add(3*time.Minute + 1500*time.Millisecond), prev.Add(3*time.Minute + time.Second), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, skipped := nextTick(every, prev, tt.now)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			assert.Equal(t, tt.skipped, skipped)
		})
	}
}

func TestNewScheduler_RequiresInstruments(t *testing.T) {
	_, err := NewScheduler(Config{Schedule: cron.Every(time.Minute)}, &stubFetcher{}, nil, nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewScheduler(Config{Symbols: []string{"AAPL"}}, &stubFetcher{}, nil, nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}
