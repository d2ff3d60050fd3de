package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrBatchSealed is returned when adding to a batch that was already committed.
var ErrBatchSealed = errors.New("batch is sealed")

// Batch holds the records captured in one scheduler tick.
// All records share the batch capture timestamp.
type Batch struct {
	capturedAt time.Time
	records    []QuoteRecord
	sealed     bool
}

// NewBatch creates an empty batch for the tick at capturedAt.
func NewBatch(capturedAt time.Time) *Batch {
	return &Batch{capturedAt: capturedAt.Truncate(time.Second)}
}

// CapturedAt returns the tick timestamp shared by all records.
func (b *Batch) CapturedAt() time.Time { return b.capturedAt }

// Len returns the number of records.
func (b *Batch) Len() int { return len(b.records) }

// Empty reports whether the batch has no records.
func (b *Batch) Empty() bool { return len(b.records) == 0 }

// Sealed reports whether the batch was committed.
func (b *Batch) Sealed() bool { return b.sealed }

// Add appends a record. The record must carry the batch timestamp.
func (b *Batch) Add(rec QuoteRecord) error {
	if b.sealed {
		return ErrBatchSealed
	}
	if !rec.Timestamp().Equal(b.capturedAt) {
		return fmt.Errorf("record %s at %s does not belong to batch at %s",
			rec.Symbol(), rec.Timestamp().Format(time.RFC3339), b.capturedAt.Format(time.RFC3339))
	}
	b.records = append(b.records, rec)
	return nil
}

// Records returns a copy of the records in insertion order.
func (b *Batch) Records() []QuoteRecord {
	out := make([]QuoteRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Seal marks the batch as written; it cannot be modified afterwards.
func (b *Batch) Seal() { b.sealed = true }

// Symbols lists the symbols in the batch in insertion order.
func (b *Batch) Symbols() []string {
	out := make([]string, len(b.records))
	for i, r := range b.records {
		out[i] = r.symbol
	}
	return out
}
