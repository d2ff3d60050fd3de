package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"QuoteLake/internal/model"
)

const defaultYahooBaseURL = "https://query1.finance.yahoo.com"

// HTTPClient describes an HTTP client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// YahooProvider implements Provider using the Yahoo Finance chart API.
type YahooProvider struct {
	baseURL   string
	client    HTTPClient
	symbolMap map[string]string // maps internal symbol to Yahoo ticker
}

// YahooOption configures a YahooProvider.
type YahooOption func(*YahooProvider)

// WithYahooBaseURL overrides the API host.
func WithYahooBaseURL(baseURL string) YahooOption {
	return func(p *YahooProvider) { p.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithYahooHTTPClient sets the HTTP client.
func WithYahooHTTPClient(c HTTPClient) YahooOption {
	return func(p *YahooProvider) { p.client = c }
}

// NewYahooProvider creates a Yahoo Finance provider with optional proxy support.
func NewYahooProvider(proxyURL string, opts ...YahooOption) (*YahooProvider, error) {
	client, err := newHTTPClient(proxyURL, 30*time.Second)
	if err != nil {
		return nil, err
	}
	p := &YahooProvider{
		baseURL: defaultYahooBaseURL,
		client:  client,
		symbolMap: map[string]string{
			"SPX500": "^GSPC",
			"SPX":    "^GSPC",
			"SP500":  "^GSPC",
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *YahooProvider) Name() string { return "yahoo" }

func (p *YahooProvider) yahooSymbol(symbol string) string {
	if mapped, ok := p.symbolMap[symbol]; ok {
		return mapped
	}
	return symbol
}

// yahooChart is the subset of the chart API response we read.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string   `json:"symbol"`
				RegularMarketPrice *float64 `json:"regularMarketPrice"`
				RegularMarketVol   *float64 `json:"regularMarketVolume"`
				RegularMarketTime  int64    `json:"regularMarketTime"`
				ChartPreviousClose *float64 `json:"chartPreviousClose"`
				PreviousClose      *float64 `json:"previousClose"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Fetch returns the latest regular-market quote for symbol.
func (p *YahooProvider) Fetch(ctx context.Context, symbol string) (model.RawQuote, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1m&range=1d",
		p.baseURL, url.PathEscape(p.yahooSymbol(symbol)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return model.RawQuote{}, permanentf(symbol, "build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return model.RawQuote{}, transientf(symbol, "yahoo fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.RawQuote{}, transientf(symbol, "yahoo read body: %w", err)
	}

	var chart yahooChart
	decodeErr := json.Unmarshal(body, &chart)

	if chart.Chart.Error != nil && isNotFound(chart.Chart.Error.Code) {
		return model.RawQuote{}, permanentf(symbol, "yahoo: unknown symbol: %s", chart.Chart.Error.Description)
	}
	if resp.StatusCode != http.StatusOK {
		return model.RawQuote{}, &FetchError{
			Kind:   statusKind(resp.StatusCode),
			Symbol: symbol,
			Err:    fmt.Errorf("yahoo: status %d, body: %s", resp.StatusCode, truncate(body, 256)),
		}
	}
	if decodeErr != nil {
		return model.RawQuote{}, permanentf(symbol, "yahoo decode: %w", decodeErr)
	}
	if chart.Chart.Error != nil {
		return model.RawQuote{}, permanentf(symbol, "yahoo api error: %s", chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return model.RawQuote{}, permanentf(symbol, "yahoo: no data returned")
	}

	meta := chart.Chart.Result[0].Meta
	raw := model.RawQuote{
		Symbol: symbol,
		Price:  meta.RegularMarketPrice,
		Volume: meta.RegularMarketVol,
	}
	if meta.RegularMarketTime > 0 {
		raw.MarketTime = time.Unix(meta.RegularMarketTime, 0).UTC()
	}

	prev := meta.ChartPreviousClose
	if prev == nil {
		prev = meta.PreviousClose
	}
	if raw.Price != nil && prev != nil {
		if pct, ok := changePct(*raw.Price, *prev); ok {
			raw.ChangePct = &pct
		}
	}
	return raw, nil
}

// changePct returns (price-prev)/prev*100 rounded to 4 places.
func changePct(price, prev float64) (float64, bool) {
	p := decimal.NewFromFloat(prev)
	if p.IsZero() {
		return 0, false
	}
	pct := decimal.NewFromFloat(price).Sub(p).Div(p).Mul(decimal.NewFromInt(100)).Round(4)
	return pct.InexactFloat64(), true
}

func isNotFound(code string) bool {
	return strings.EqualFold(strings.TrimSpace(code), "Not Found")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
