package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"QuoteLake/internal/model"
)

// Provider fetches the latest quote of one instrument.
//
//go:generate mockgen -source=fetcher.go -destination=mock/provider_mock.go -package=mock
type Provider interface {
	Fetch(ctx context.Context, symbol string) (model.RawQuote, error)
	Name() string
}

// ErrorKind separates failures worth retrying from those that are not.
type ErrorKind int

const (
	Transient ErrorKind = iota + 1
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// FetchError is returned by providers.
type FetchError struct {
	Kind   ErrorKind
	Symbol string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.Symbol, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func transientf(symbol, format string, args ...any) *FetchError {
	return &FetchError{Kind: Transient, Symbol: symbol, Err: fmt.Errorf(format, args...)}
}

func permanentf(symbol, format string, args ...any) *FetchError {
	return &FetchError{Kind: Permanent, Symbol: symbol, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Errors that are not a *FetchError count as Transient.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Kind != 0 {
		return fe.Kind
	}
	return Transient
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == Transient
}

// statusKind maps an HTTP status to an error kind: throttling and server
// errors are transient, every other non-200 status is permanent.
func statusKind(code int) ErrorKind {
	if code == http.StatusTooManyRequests || code >= 500 {
		return Transient
	}
	return Permanent
}

func newHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}
