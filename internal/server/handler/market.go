package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/service"
)

// MarketDataService is what the market handler needs from the service layer.
type MarketDataService interface {
	GetTicker(ctx context.Context, instrument string) (domain.TickerSnapshot, error)
	ListTickers(ctx context.Context) []domain.TickerSnapshot
	GetOrderBook(ctx context.Context, instrument string, depth int) (domain.BookView, error)
	Instruments(ctx context.Context) service.Instruments
	Candles(ctx context.Context, instrument, period string) ([]domain.Candle, error)
	ArchivesEnabled() bool
	ListArchives(ctx context.Context, instrument string) ([]domain.BlobInfo, error)
	LatestArchive(ctx context.Context, instrument string) (domain.CandleArchive, error)
}

// MarketHandler serves ticker, order book and candle endpoints.
type MarketHandler struct {
	svc    MarketDataService
	logger *slog.Logger
}

func NewMarketHandler(svc MarketDataService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{svc: svc, logger: logger.With(slog.String("handler", "market"))}
}

type bookResponse struct {
	domain.BookView
	Spread *string `json:"spread,omitempty"`
}

// ListInstruments returns the tracked ticker and book instruments.
// GET /api/instruments
func (h *MarketHandler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Instruments(r.Context()))
}

// ListTickers returns every ticker, sorted by instrument.
// GET /api/tickers
func (h *MarketHandler) ListTickers(w http.ResponseWriter, r *http.Request) {
	tickers := h.svc.ListTickers(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"tickers": tickers,
		"total":   len(tickers),
	})
}

// GetTicker returns one ticker.
// GET /api/tickers/{instrument}
func (h *MarketHandler) GetTicker(w http.ResponseWriter, r *http.Request) {
	inst := pathParam(r, "instrument")
	snap, err := h.svc.GetTicker(r.Context(), inst)
	if err != nil {
		h.fail(w, r, err, "ticker")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetCandles buckets the ticker's history.
// GET /api/tickers/{instrument}/candles?period=5m
func (h *MarketHandler) GetCandles(w http.ResponseWriter, r *http.Request) {
	inst := pathParam(r, "instrument")
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "1m"
	}
	candles, err := h.svc.Candles(r.Context(), inst, period)
	if err != nil {
		h.fail(w, r, err, "ticker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": inst,
		"period":     period,
		"candles":    candles,
	})
}

// GetOrderBook returns the top of the book.
// GET /api/books/{instrument}?depth=20
func (h *MarketHandler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	depth, ok := parseDepth(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "depth must be a non-negative integer")
		return
	}
	inst := pathParam(r, "instrument")
	view, err := h.svc.GetOrderBook(r.Context(), inst, depth)
	if err != nil {
		h.fail(w, r, err, "order book")
		return
	}
	resp := bookResponse{BookView: view}
	if s, ok := view.Spread(); ok {
		str := s.String()
		resp.Spread = &str
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListArchives lists archived candle documents for an instrument.
// GET /api/archives/{instrument}
func (h *MarketHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if !h.svc.ArchivesEnabled() {
		writeError(w, http.StatusNotImplemented, "archiving is disabled")
		return
	}
	inst := pathParam(r, "instrument")
	items, err := h.svc.ListArchives(r.Context(), inst)
	if err != nil {
		h.fail(w, r, err, "archive")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": inst,
		"archives":   items,
	})
}

// LatestArchive returns the newest archived candle document.
// GET /api/archives/{instrument}/latest
func (h *MarketHandler) LatestArchive(w http.ResponseWriter, r *http.Request) {
	if !h.svc.ArchivesEnabled() {
		writeError(w, http.StatusNotImplemented, "archiving is disabled")
		return
	}
	doc, err := h.svc.LatestArchive(r.Context(), pathParam(r, "instrument"))
	if err != nil {
		h.fail(w, r, err, "archive")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *MarketHandler) fail(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, domain.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
