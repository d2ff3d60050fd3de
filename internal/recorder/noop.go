package recorder

import "context"

// NoopRecorder is a no-op implementation used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordCycle(context.Context, *CycleEvent) error               { return nil }
func (n *NoopRecorder) RecordFetchFailure(context.Context, *FetchFailureEvent) error { return nil }
func (n *NoopRecorder) RecentCycles(context.Context, int) ([]CycleEvent, error)      { return nil, nil }
func (n *NoopRecorder) Close() error                                                 { return nil }
