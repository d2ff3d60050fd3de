package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// RawQuote is a provider response before validation.
// A nil numeric field means the provider did not populate it.
type RawQuote struct {
	Symbol     string
	Price      *float64
	ChangePct  *float64
	Volume     *float64
	MarketTime time.Time // informational only, never used for partitioning
}

// ValidationError reports why a raw quote could not become a QuoteRecord.
type ValidationError struct {
	Symbol string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("invalid quote: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid quote %s: %s %s", e.Symbol, e.Field, e.Reason)
}

// QuoteRecord is one observation of one instrument at one instant.
// It is immutable; build it with Validate or NewQuoteRecord.
type QuoteRecord struct {
	symbol    string
	timestamp time.Time
	price     float64
	changePct float64
	volume    int64
}

func (q QuoteRecord) Symbol() string       { return q.symbol }
func (q QuoteRecord) Timestamp() time.Time { return q.timestamp }
func (q QuoteRecord) Price() float64       { return q.price }
func (q QuoteRecord) ChangePct() float64   { return q.changePct }
func (q QuoteRecord) Volume() int64        { return q.volume }

// MarshalJSON renders the record with the archive column names.
func (q QuoteRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Symbol    string    `json:"symbol"`
		Timestamp time.Time `json:"timestamp"`
		Price     float64   `json:"price"`
		ChangePct float64   `json:"change_pct"`
		Volume    int64     `json:"volume"`
	}{q.symbol, q.timestamp, q.price, q.changePct, q.volume})
}

// NormalizeSymbol trims and uppercases an instrument identifier.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Validate turns a raw provider quote into a QuoteRecord stamped with the
// capture time (truncated to the second).
func Validate(raw RawQuote, capturedAt time.Time) (QuoteRecord, error) {
	symbol := NormalizeSymbol(raw.Symbol)
	if symbol == "" {
		return QuoteRecord{}, &ValidationError{Field: "symbol", Reason: "is empty"}
	}
	if raw.Price == nil {
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "price", Reason: "is missing"}
	}
	if raw.ChangePct == nil {
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "change_pct", Reason: "is missing"}
	}
	if raw.Volume == nil {
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "volume", Reason: "is missing"}
	}

	vol := *raw.Volume
	if math.IsNaN(vol) || math.IsInf(vol, 0) {
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "volume", Reason: "is not finite"}
	}
	if vol != math.Trunc(vol) {
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "volume", Reason: "is not an integer"}
	}
	if vol >= math.MaxInt64 {
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "volume", Reason: "overflows int64"}
	}

	return NewQuoteRecord(symbol, capturedAt, *raw.Price, *raw.ChangePct, int64(vol))
}

// NewQuoteRecord builds a record from already typed values, enforcing the
// same rules as Validate.
func NewQuoteRecord(symbol string, ts time.Time, price, changePct float64, volume int64) (QuoteRecord, error) {
	symbol = NormalizeSymbol(symbol)
	switch {
	case symbol == "":
		return QuoteRecord{}, &ValidationError{Field: "symbol", Reason: "is empty"}
	case ts.IsZero():
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "timestamp", Reason: "is zero"}
	case math.IsNaN(price) || math.IsInf(price, 0):
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "price", Reason: "is not finite"}
	case price < 0:
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "price", Reason: "is negative"}
	case math.IsNaN(changePct) || math.IsInf(changePct, 0):
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "change_pct", Reason: "is not finite"}
	case volume < 0:
		return QuoteRecord{}, &ValidationError{Symbol: symbol, Field: "volume", Reason: "is negative"}
	}

	return QuoteRecord{
		symbol:    symbol,
		timestamp: ts.Truncate(time.Second),
		price:     price,
		changePct: changePct,
		volume:    volume,
	}, nil
}

// Float is a convenience for building RawQuote fields.
func Float(v float64) *float64 { return &v }
