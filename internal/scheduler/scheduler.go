package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"QuoteLake/internal/archive"
	"QuoteLake/internal/clock"
	"QuoteLake/internal/collector"
	"QuoteLake/internal/metrics"
	"QuoteLake/internal/model"
	"QuoteLake/internal/recorder"
)

// maxCountedSkips bounds the missed-slot count after a long stall.
const maxCountedSkips = 10_000

// Fetcher runs the fetch phase of a cycle.
type Fetcher interface {
	Collect(ctx context.Context, symbols []string) []collector.Outcome
}

// Committer persists a batch.
type Committer interface {
	Commit(ctx context.Context, batch *model.Batch) (archive.CommittedFile, error)
}

// Config is the fixed input of a scheduler.
type Config struct {
	Symbols  []string
	Schedule cron.Schedule
}

// Failure describes an instrument excluded from one tick.
type Failure struct {
	Symbol   string
	Kind     string // transient, permanent or validation
	Attempts int
	Err      error
}

// CycleResult is the outcome of one tick.
type CycleResult struct {
	Tick     time.Time
	Status   recorder.CycleStatus
	Rows     int
	Failures []Failure
	File     *archive.CommittedFile
	Err      error
	Duration time.Duration
}

// Scheduler drives the ingestion loop: fetch, validate, write, sleep.
// Only one cycle runs at a time.
type Scheduler struct {
	symbols  []string
	schedule cron.Schedule
	fetcher  Fetcher
	writer   Committer
	recorder recorder.Recorder
	metrics  *metrics.Recorder
	clock    clock.Clock
	log      zerolog.Logger

	state  atomic.Int32
	last   atomic.Pointer[CycleResult]
	cycles atomic.Int64
}

// NewScheduler creates a new Scheduler. It fails when there is nothing to fetch.
func NewScheduler(cfg Config, f Fetcher, w Committer, rec recorder.Recorder, m *metrics.Recorder, clk clock.Clock, log zerolog.Logger) (*Scheduler, error) {
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("scheduler: no instruments configured")
	}
	if cfg.Schedule == nil {
		return nil, errors.New("scheduler: no schedule configured")
	}
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Scheduler{
		symbols:  append([]string(nil), cfg.Symbols...),
		schedule: cfg.Schedule,
		fetcher:  f,
		writer:   w,
		recorder: rec,
		metrics:  m,
		clock:    clk,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
	s.setState(Idle)
	return s, nil
}

// State returns the current state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// LastResult returns the most recent cycle result, or nil before the first tick.
func (s *Scheduler) LastResult() *CycleResult { return s.last.Load() }

// Cycles returns how many cycles have completed.
func (s *Scheduler) Cycles() int64 { return s.cycles.Load() }

func (s *Scheduler) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug().Str("from", old.String()).Str("to", st.String()).Msg("state change")
	}
}

// Run executes cycles until ctx is cancelled. The first tick fires
// immediately. Cancellation is observed at tick boundaries, during retry
// waits and before publish, so the in-flight batch is either written or
// discarded before Run returns. Run returns nil on a graceful stop.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(Stopped)

	s.log.Info().Strs("instruments", s.symbols).Msg("scheduler started")
	tick := s.clock.Now().Truncate(time.Second)

	for {
		if ctx.Err() != nil {
			break
		}
		s.RunCycle(ctx, tick)
		if ctx.Err() != nil {
			break
		}

		next, skipped := nextTick(s.schedule, tick, s.clock.Now())
		if skipped > 0 {
			s.log.Warn().
				Time("previous_tick", tick).
				Time("next_tick", next).
				Int("skipped", skipped).
				Msg("cycle overran its slot, skipping missed ticks")
		}

		s.setState(Sleeping)
		if wait := next.Sub(s.clock.Now()); wait > 0 {
			select {
			case <-ctx.Done():
			case <-s.clock.After(wait):
			}
		}
		tick = next
	}

	s.log.Info().Int64("cycles", s.Cycles()).Msg("scheduler stopped")
	return nil
}

// nextTick returns the next tick after prev. When that slot has already
// passed at now, the tick fires at now (to the second) and the number of
// missed slots is returned.
func nextTick(schedule cron.Schedule, prev, now time.Time) (time.Time, int) {
	next := schedule.Next(prev)
	fire := now.Truncate(time.Second)
	if !next.Before(fire) {
		return next, 0
	}

	skipped := 0
	for t := next; t.Before(fire) && skipped < maxCountedSkips; t = schedule.Next(t) {
		skipped++
	}
	return fire, skipped
}

// RunCycle runs one full Fetching, Validating, Writing pass for tick.
func (s *Scheduler) RunCycle(ctx context.Context, tick time.Time) CycleResult {
	start := s.clock.Now()
	tick = tick.Truncate(time.Second)
	log := s.log.With().Time("tick", tick).Logger()
	res := CycleResult{Tick: tick}

	s.setState(Fetching)
	outcomes := s.fetcher.Collect(ctx, s.symbols)

	s.setState(Validating)
	batch := model.NewBatch(tick)
	for _, o := range outcomes {
		if !o.OK() {
			kind := collector.KindOf(o.Err)
			res.Failures = append(res.Failures, Failure{Symbol: o.Symbol, Kind: kind.String(), Attempts: o.Attempts, Err: o.Err})
			msg := "instrument excluded from tick"
			if kind == collector.Transient {
				msg = "instrument excluded from tick after retries"
			}
			log.Warn().
				Err(o.Err).
				Str("symbol", o.Symbol).
				Str("kind", kind.String()).
				Int("attempts", o.Attempts).
				Msg(msg)
			continue
		}

		raw := o.Raw
		if raw.Symbol == "" {
			raw.Symbol = o.Symbol
		}
		rec, err := model.Validate(raw, tick)
		if err == nil {
			err = batch.Add(rec)
		}
		if err != nil {
			res.Failures = append(res.Failures, Failure{Symbol: o.Symbol, Kind: "validation", Attempts: o.Attempts, Err: err})
			log.Warn().Err(err).Str("symbol", o.Symbol).Str("kind", "validation").Msg("record dropped")
			continue
		}
	}

	if batch.Empty() {
		res.Status = recorder.StatusNoop
		log.Info().Int("failed", len(res.Failures)).Msg("empty batch, nothing to write")
		return s.finish(ctx, res, start, log)
	}

	s.setState(Writing)
	commitStart := s.clock.Now()
	cf, err := s.writer.Commit(ctx, batch)
	res.Rows = batch.Len()
	switch {
	case err == nil:
		res.Status = recorder.StatusCommitted
		res.File = &cf
		if s.metrics != nil {
			s.metrics.RecordCommit(cf.Rows, s.clock.Now().Sub(commitStart), tick)
			for _, r := range batch.Records() {
				s.metrics.RecordLastPrice(r.Symbol(), r.Price())
			}
		}
		log.Info().
			Str("path", cf.Path).
			Str("partition", cf.Partition.String()).
			Int("rows", cf.Rows).
			Strs("symbols", batch.Symbols()).
			Int64("bytes", cf.Size).
			Int("failed", len(res.Failures)).
			Msg("batch committed")
	case archive.KindOf(err) == archive.Conflict:
		res.Status = recorder.StatusConflict
		res.Err = err
		log.Warn().Err(err).Str("kind", archive.Conflict.String()).Int("rows", res.Rows).Msg("archive file already exists, batch dropped")
	case archive.KindOf(err) == archive.Aborted:
		res.Status = recorder.StatusAborted
		res.Err = err
		log.Warn().Err(err).Str("kind", archive.Aborted.String()).Int("rows", res.Rows).Msg("shutdown before publish, batch discarded")
	default:
		res.Status = recorder.StatusIOError
		res.Err = fmt.Errorf("commit batch: %w", err)
		log.Error().Err(err).Str("kind", archive.IO.String()).Int("rows", res.Rows).Msg("batch write failed")
	}

	return s.finish(ctx, res, start, log)
}

func (s *Scheduler) finish(ctx context.Context, res CycleResult, start time.Time, log zerolog.Logger) CycleResult {
	res.Duration = s.clock.Now().Sub(start)

	// The ledger entry is written even when the cycle ends because of shutdown.
	recCtx := context.WithoutCancel(ctx)
	evt := &recorder.CycleEvent{
		Tick:     res.Tick,
		Status:   res.Status,
		Rows:     res.Rows,
		Failed:   len(res.Failures),
		Duration: res.Duration,
	}
	if res.File != nil {
		evt.File = res.File.Path
	}
	if res.Err != nil {
		evt.Err = res.Err.Error()
	}
	if err := s.recorder.RecordCycle(recCtx, evt); err != nil {
		log.Error().Err(err).Msg("record cycle")
	}
	for _, f := range res.Failures {
		if err := s.recorder.RecordFetchFailure(recCtx, &recorder.FetchFailureEvent{
			Tick:     res.Tick,
			Symbol:   f.Symbol,
			Kind:     f.Kind,
			Attempts: f.Attempts,
			Err:      f.Err.Error(),
		}); err != nil {
			log.Error().Err(err).Str("symbol", f.Symbol).Msg("record fetch failure")
		}
	}

	if s.metrics != nil {
		s.metrics.RecordCycle(string(res.Status), res.Duration)
		for _, f := range res.Failures {
			s.metrics.RecordFetchError(f.Kind)
		}
	}

	s.last.Store(&res)
	s.cycles.Add(1)
	return res
}
