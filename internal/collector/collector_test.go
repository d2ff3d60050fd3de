package collector_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"QuoteLake/internal/clock"
	"QuoteLake/internal/collector"
	"QuoteLake/internal/collector/mock"
	"QuoteLake/internal/model"
)

func quote(symbol string, price float64) model.RawQuote {
	return model.RawQuote{
		Symbol:    symbol,
		Price:     model.Float(price),
		ChangePct: model.Float(0.5),
		Volume:    model.Float(100),
	}
}

func newMockProvider(t *testing.T) *mock.MockProvider {
	t.Helper()
	ctrl := gomock.NewController(t)
	p := mock.NewMockProvider(ctrl)
	p.EXPECT().Name().Return("mock").AnyTimes()
	return p
}

func TestCollect_IsolatesPermanentFailures(t *testing.T) {
	t.Parallel()

	// Arrange: AAPL succeeds, MSFT is unknown to the provider.
	p := newMockProvider(t)
	p.EXPECT().Fetch(gomock.Any(), "AAPL").Return(quote("AAPL", 10), nil).Times(1)
	p.EXPECT().Fetch(gomock.Any(), "MSFT").
		Return(model.RawQuote{}, &collector.FetchError{Kind: collector.Permanent, Symbol: "MSFT", Err: errors.New("not found")}).
		Times(1)

	c := collector.NewCollector(p, collector.Options{Concurrency: 2, MaxRetries: 3}, clock.NewFake(time.Now()), zerolog.Nop())

	// Act
	out := c.Collect(context.Background(), []string{"AAPL", "MSFT"})

	// Assert: outcomes keep input order and the permanent error is not retried.
	require.Len(t, out, 2)
	assert.Equal(t, "AAPL", out[0].Symbol)
	assert.True(t, out[0].OK())
	assert.Equal(t, 1, out[0].Attempts)

	assert.Equal(t, "MSFT", out[1].Symbol)
	require.Error(t, out[1].Err)
	assert.Equal(t, collector.Permanent, collector.KindOf(out[1].Err))
	assert.Equal(t, 1, out[1].Attempts)
}

func TestCollect_RetriesTransientUntilSuccess(t *testing.T) {
	t.Parallel()

	p := newMockProvider(t)
	transient := &collector.FetchError{Kind: collector.Transient, Symbol: "AAPL", Err: errors.New("status 503")}
	gomock.InOrder(
		p.EXPECT().Fetch(gomock.Any(), "AAPL").Return(model.RawQuote{}, transient),
		p.EXPECT().Fetch(gomock.Any(), "AAPL").Return(model.RawQuote{}, transient),
		p.EXPECT().Fetch(gomock.Any(), "AAPL").Return(quote("AAPL", 10), nil),
	)

	c := collector.NewCollector(p, collector.Options{Concurrency: 1, MaxRetries: 3}, clock.NewFake(time.Now()), zerolog.Nop())
	out := c.Collect(context.Background(), []string{"AAPL"})

	require.Len(t, out, 1)
	assert.NoError(t, out[0].Err)
	assert.Equal(t, 3, out[0].Attempts)
}

func TestCollect_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	p := newMockProvider(t)
	p.EXPECT().Fetch(gomock.Any(), "AAPL").
		Return(model.RawQuote{}, errors.New("connection reset")).
		Times(3)

	c := collector.NewCollector(p, collector.Options{Concurrency: 1, MaxRetries: 2}, clock.NewFake(time.Now()), zerolog.Nop())
	out := c.Collect(context.Background(), []string{"AAPL"})

	require.Error(t, out[0].Err)
	assert.Equal(t, 3, out[0].Attempts)

	// Unclassified errors are reported as transient fetch errors.
	var fe *collector.FetchError
	require.ErrorAs(t, out[0].Err, &fe)
	assert.Equal(t, collector.Transient, fe.Kind)
	assert.Equal(t, "AAPL", fe.Symbol)
}

func TestCollect_CancelDuringBackoffStopsRetrying(t *testing.T) {
	t.Parallel()

	p := newMockProvider(t)
	p.EXPECT().Fetch(gomock.Any(), "AAPL").
		Return(model.RawQuote{}, &collector.FetchError{Kind: collector.Transient, Symbol: "AAPL", Err: errors.New("429")}).
		Times(1)

	clk := clock.NewFake(time.Now())
	c := collector.NewCollector(p, collector.Options{Concurrency: 1, MaxRetries: 5, Backoff: time.Hour, MaxBackoff: time.Hour}, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []collector.Outcome, 1)
	go func() { done <- c.Collect(ctx, []string{"AAPL"}) }()

	clk.BlockUntil(1)
	cancel()

	select {
	case out := <-done:
		require.Error(t, out[0].Err)
		assert.Equal(t, 1, out[0].Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("collect did not observe cancellation")
	}
}

// blockingProvider waits for the request context, like a hung upstream.
type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }
func (blockingProvider) Fetch(ctx context.Context, _ string) (model.RawQuote, error) {
	<-ctx.Done()
	return model.RawQuote{}, ctx.Err()
}

func TestCollect_AttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	c := collector.NewCollector(blockingProvider{}, collector.Options{Concurrency: 1, Timeout: 20 * time.Millisecond}, clock.NewFake(time.Now()), zerolog.Nop())
	out := c.Collect(context.Background(), []string{"AAPL"})

	require.Error(t, out[0].Err)
	assert.Equal(t, collector.Transient, collector.KindOf(out[0].Err))
	assert.ErrorIs(t, out[0].Err, context.DeadlineExceeded)
	assert.Equal(t, 1, out[0].Attempts)
}

// countingProvider tracks the peak number of concurrent fetches.
type countingProvider struct {
	inFlight atomic.Int32
	mu       sync.Mutex
	peak     int32
}

func (p *countingProvider) Name() string { return "counting" }
func (p *countingProvider) Fetch(_ context.Context, symbol string) (model.RawQuote, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	p.mu.Lock()
	if n > p.peak {
		p.peak = n
	}
	p.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	return quote(symbol, 1), nil
}

func TestCollect_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := &countingProvider{}
	c := collector.NewCollector(p, collector.Options{Concurrency: 2}, clock.Real{}, zerolog.Nop())

	out := c.Collect(context.Background(), []string{"A", "B", "C", "D", "E", "F"})

	require.Len(t, out, 6)
	for _, o := range out {
		assert.True(t, o.OK(), o.Symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.LessOrEqual(t, p.peak, int32(2))
	assert.GreaterOrEqual(t, p.peak, int32(1))
}
