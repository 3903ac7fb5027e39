package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketsync/internal/service"
)

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	status    BookStatusSource
	mode      string
	startedAt time.Time
}

// BookStatusSource lists per-book sync state.
type BookStatusSource interface {
	BookStatuses(ctx context.Context) []service.BookStatus
}

func NewHealthHandler(status BookStatusSource, mode string, startedAt time.Time) *HealthHandler {
	return &HealthHandler{status: status, mode: mode, startedAt: startedAt}
}

// HealthCheck reports "ok" when every book is synchronized and "degraded"
// otherwise. The status code is 200 either way so load balancers keep the
// API reachable while a book resyncs.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	books := h.status.BookStatuses(r.Context())
	status := "ok"
	for _, b := range books {
		if !b.Synchronized {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"books":          books,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
