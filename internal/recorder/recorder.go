package recorder

import (
	"context"
	"time"
)

// CycleStatus is the final outcome of one ingestion cycle.
type CycleStatus string

const (
	StatusCommitted CycleStatus = "committed"
	StatusNoop      CycleStatus = "noop"
	StatusConflict  CycleStatus = "conflict"
	StatusIOError   CycleStatus = "io_error"
	StatusAborted   CycleStatus = "aborted"
)

// CycleEvent holds the ledger entry of one tick.
type CycleEvent struct {
	Tick     time.Time     `json:"tick"`
	Status   CycleStatus   `json:"status"`
	Rows     int           `json:"rows"`
	Failed   int           `json:"failed"`
	File     string        `json:"file,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Err      string        `json:"error,omitempty"`
}

// FetchFailureEvent records an instrument excluded from a tick.
type FetchFailureEvent struct {
	Tick     time.Time
	Symbol   string
	Kind     string // "transient", "permanent" or "validation"
	Attempts int
	Err      string
}

// Recorder journals cycle outcomes for later inspection.
type Recorder interface {
	RecordCycle(ctx context.Context, evt *CycleEvent) error
	RecordFetchFailure(ctx context.Context, evt *FetchFailureEvent) error
	RecentCycles(ctx context.Context, limit int) ([]CycleEvent, error)
	Close() error
}
