package archive

import (
	"time"

	"QuoteLake/internal/model"
)

// quoteRow is the on-disk schema of every archive file.
// Column names and types must stay stable for the lifetime of the archive.
type quoteRow struct {
	Symbol    string    `parquet:"symbol,dict"`
	Timestamp time.Time `parquet:"timestamp"`
	Price     float64   `parquet:"price"`
	ChangePct float64   `parquet:"change_pct"`
	Volume    int64     `parquet:"volume"`
}

func toRows(recs []model.QuoteRecord) []quoteRow {
	rows := make([]quoteRow, len(recs))
	for i, r := range recs {
		rows[i] = quoteRow{
			Symbol:    r.Symbol(),
			Timestamp: r.Timestamp().UTC(),
			Price:     r.Price(),
			ChangePct: r.ChangePct(),
			Volume:    r.Volume(),
		}
	}
	return rows
}

func (r quoteRow) record() (model.QuoteRecord, error) {
	return model.NewQuoteRecord(r.Symbol, r.Timestamp, r.Price, r.ChangePct, r.Volume)
}
