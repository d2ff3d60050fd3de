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

	"QuoteLake/internal/model"
)

// RESTProvider implements Provider against a generic JSON quote endpoint:
// GET {base}/api/v1/quote?symbol=S.
type RESTProvider struct {
	baseURL string
	apiKey  string
	client  HTTPClient
}

// NewRESTProvider creates a provider with optional proxy support.
// The API key, when set, is sent verbatim as a bearer token.
func NewRESTProvider(baseURL, apiKey, proxyURL string) (*RESTProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("rest provider: base url is required")
	}
	client, err := newHTTPClient(proxyURL, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &RESTProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
	}, nil
}

func (p *RESTProvider) Name() string { return "rest" }

// restQuote is the expected JSON shape of the quote endpoint.
type restQuote struct {
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price"`
	ChangePct *float64 `json:"change_pct"`
	Volume    *float64 `json:"volume"`
	Time      int64    `json:"timestamp"`
	Error     string   `json:"error"`
}

func (p *RESTProvider) Fetch(ctx context.Context, symbol string) (model.RawQuote, error) {
	endpoint := fmt.Sprintf("%s/api/v1/quote?symbol=%s", p.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.RawQuote{}, permanentf(symbol, "build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return model.RawQuote{}, transientf(symbol, "fetch quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.RawQuote{}, &FetchError{
			Kind:   statusKind(resp.StatusCode),
			Symbol: symbol,
			Err:    fmt.Errorf("fetch quote: status %d, body: %s", resp.StatusCode, string(body)),
		}
	}

	var q restQuote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return model.RawQuote{}, permanentf(symbol, "decode quote: %w", err)
	}
	if q.Error != "" {
		return model.RawQuote{}, permanentf(symbol, "provider error: %s", q.Error)
	}
	if q.Symbol == "" && q.Price == nil {
		return model.RawQuote{}, permanentf(symbol, "empty quote")
	}

	raw := model.RawQuote{
		Symbol:    symbol,
		Price:     q.Price,
		ChangePct: q.ChangePct,
		Volume:    q.Volume,
	}
	if q.Time > 0 {
		raw.MarketTime = time.Unix(q.Time, 0).UTC()
	}
	return raw, nil
}
