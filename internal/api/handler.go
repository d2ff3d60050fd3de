package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"QuoteLake/internal/archive"
	"QuoteLake/internal/model"
	"QuoteLake/internal/recorder"
)

// QuoteReader is the read side of the archive.
type QuoteReader interface {
	QueryPage(ctx context.Context, f archive.Filter) (archive.Page, error)
	Symbols(ctx context.Context, f archive.Filter) ([]string, error)
}

// CycleLister reads the cycle ledger.
type CycleLister interface {
	RecentCycles(ctx context.Context, limit int) ([]recorder.CycleEvent, error)
}

type QuotesRequest struct {
	Symbols []string `query:"symbol" validate:"max=200,dive,max=32"`
	From    string   `query:"from"`
	To      string   `query:"to"`
	Limit   int      `query:"limit" default:"5000" validate:"gte=1,lte=100000"`
	// desc returns the newest rows first, so a limit keeps the latest data.
	Order   string   `query:"order" default:"desc" validate:"oneof=asc desc"`
}

type SymbolsRequest struct {
	From string `query:"from"`
	To   string `query:"to"`
}

type CyclesRequest struct {
	Limit int `query:"limit" default:"50" validate:"gte=1,lte=1000"`
}

// QuotesHandler serves the archive query contract over HTTP.
type QuotesHandler struct {
	reader QuoteReader
	ledger CycleLister
	loc    *time.Location
	log    zerolog.Logger
}

// NewQuotesHandler creates the handler. ledger may be nil.
func NewQuotesHandler(reader QuoteReader, ledger CycleLister, loc *time.Location, log zerolog.Logger) *QuotesHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &QuotesHandler{reader: reader, ledger: ledger, loc: loc, log: log.With().Str("component", "api").Logger()}
}

func (h *QuotesHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/quotes", h.Quotes)
	g.GET("/symbols", h.Symbols)
	g.GET("/cycles", h.Cycles)
}

func (h *QuotesHandler) Quotes(c echo.Context) error {
	req := &QuotesRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	filter, verr := h.filter(req.From, req.To)
	if verr != nil {
		return BadRequestResponse(c, verr)
	}
	filter.Symbols = splitSymbols(req.Symbols)
	filter.Limit = req.Limit
	filter.Descending = req.Order == "desc"

	page, err := h.reader.QueryPage(c.Request().Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("query archive")
		return InternalServerErrorResponse(c)
	}
	recs := page.Records
	if recs == nil {
		recs = []model.QuoteRecord{}
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=60")
	return PagedListResponse(c, recs, page.Total, page.Truncated())
}

func (h *QuotesHandler) Symbols(c echo.Context) error {
	req := &SymbolsRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	filter, verr := h.filter(req.From, req.To)
	if verr != nil {
		return BadRequestResponse(c, verr)
	}

	syms, err := h.reader.Symbols(c.Request().Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("list symbols")
		return InternalServerErrorResponse(c)
	}
	if syms == nil {
		syms = []string{}
	}
	return ListResponse(c, syms, len(syms))
}

func (h *QuotesHandler) Cycles(c echo.Context) error {
	req := &CyclesRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	if h.ledger == nil {
		return DataResponse(c, http.StatusNotFound, "cycle ledger is not configured")
	}

	cycles, err := h.ledger.RecentCycles(c.Request().Context(), req.Limit)
	if err != nil {
		h.log.Error().Err(err).Msg("read cycle ledger")
		return InternalServerErrorResponse(c)
	}
	if cycles == nil {
		cycles = []recorder.CycleEvent{}
	}
	return ListResponse(c, cycles, len(cycles))
}

func (h *QuotesHandler) filter(fromStr, toStr string) (archive.Filter, []ValidationError) {
	var errs []ValidationError
	from, err := parseTime(fromStr, h.loc, false)
	if err != nil {
		errs = append(errs, ValidationError{Code: "ERR_TIME", Field: "from", Message: err.Error()})
	}
	to, err := parseTime(toStr, h.loc, true)
	if err != nil {
		errs = append(errs, ValidationError{Code: "ERR_TIME", Field: "to", Message: err.Error()})
	}
	if len(errs) == 0 && !from.IsZero() && !to.IsZero() && to.Before(from) {
		errs = append(errs, ValidationError{Code: "ERR_RANGE", Field: "to", Message: "to must not be before from"})
	}
	if len(errs) > 0 {
		return archive.Filter{}, errs
	}
	return archive.Filter{From: from, To: to}, nil
}

// StatusFunc reports process status for /health.
type StatusFunc func() map[string]interface{}

// HealthHandler serves /health.
type HealthHandler struct {
	status StatusFunc
}

func NewHealthHandler(status StatusFunc) *HealthHandler {
	return &HealthHandler{status: status}
}

func (h *HealthHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
}

func (h *HealthHandler) Health(c echo.Context) error {
	body := map[string]interface{}{"status": "ok"}
	if h.status != nil {
		for k, v := range h.status() {
			body[k] = v
		}
	}
	return SuccessResponse(c, body)
}
