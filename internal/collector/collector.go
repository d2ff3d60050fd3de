package collector

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"QuoteLake/internal/clock"
	"QuoteLake/internal/model"
)

// Options bound the fetch phase of one cycle.
type Options struct {
	Concurrency int
	Timeout     time.Duration // per attempt
	MaxRetries  int           // extra attempts after the first, transient errors only
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Outcome is the result of fetching one symbol, after retries.
type Outcome struct {
	Symbol   string
	Raw      model.RawQuote
	Err      error
	Attempts int
}

// OK reports whether a raw quote was obtained.
func (o Outcome) OK() bool { return o.Err == nil }

// Collector fetches a set of symbols concurrently through a Provider.
type Collector struct {
	provider Provider
	opts     Options
	clock    clock.Clock
	log      zerolog.Logger
	jitter   func(n int64) int64
}

// NewCollector creates a new Collector.
func NewCollector(p Provider, opts Options, clk clock.Clock, log zerolog.Logger) *Collector {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Collector{
		provider: p,
		opts:     opts,
		clock:    clk,
		log:      log.With().Str("component", "collector").Str("provider", p.Name()).Logger(),
		jitter:   rand.Int64N,
	}
}

// Collect fetches every symbol and returns one outcome per symbol, in input
// order. It returns only once every outcome is known.
func (c *Collector) Collect(ctx context.Context, symbols []string) []Outcome {
	out := make([]Outcome, len(symbols))

	// A failed symbol must not cancel its siblings, so no shared group context.
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			out[i] = c.fetchWithRetry(ctx, sym)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (c *Collector) fetchWithRetry(ctx context.Context, symbol string) Outcome {
	var lastErr error
	attempt := 0

	for {
		attempt++
		raw, err := c.fetchOnce(ctx, symbol)
		if err == nil {
			return Outcome{Symbol: symbol, Raw: raw, Attempts: attempt}
		}
		lastErr = err

		if !IsRetryable(err) || attempt > c.opts.MaxRetries || ctx.Err() != nil {
			break
		}

		wait := c.backoff(attempt)
		c.log.Debug().
			Err(err).
			Str("symbol", symbol).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("retrying fetch")

		select {
		case <-ctx.Done():
			return Outcome{Symbol: symbol, Err: asFetchError(symbol, lastErr), Attempts: attempt}
		case <-c.clock.After(wait):
		}
	}

	return Outcome{Symbol: symbol, Err: asFetchError(symbol, lastErr), Attempts: attempt}
}

func (c *Collector) fetchOnce(ctx context.Context, symbol string) (model.RawQuote, error) {
	attemptCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	raw, err := c.provider.Fetch(attemptCtx, symbol)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return model.RawQuote{}, transientf(symbol, "attempt timed out after %s: %w", c.opts.Timeout, err)
		}
		return model.RawQuote{}, err
	}
	return raw, nil
}

// backoff returns the wait before retry number attempt: the base delay
// doubled per attempt, jittered to [0.5, 1.5) of that, capped at MaxBackoff.
func (c *Collector) backoff(attempt int) time.Duration {
	d := c.opts.Backoff
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.opts.MaxBackoff > 0 && d >= c.opts.MaxBackoff {
			d = c.opts.MaxBackoff
			break
		}
	}
	d = d/2 + time.Duration(c.jitter(int64(d)))
	if c.opts.MaxBackoff > 0 && d > c.opts.MaxBackoff {
		d = c.opts.MaxBackoff
	}
	return d
}

func asFetchError(symbol string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Kind: Transient, Symbol: symbol, Err: err}
}
