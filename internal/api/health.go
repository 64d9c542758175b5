package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/reply-relay/internal/store"
	"github.com/go-chi/chi/v5"
)

// Pinger checks a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	journal Pinger // nil when running memory-only
	timeout time.Duration
}

// NewHealthHandler creates a health handler. journal may be nil.
func NewHealthHandler(repo store.Repository, journal Pinger) *HealthHandler {
	return &HealthHandler{repo: repo, journal: journal, timeout: 5 * time.Second}
}

// Health returns the health status of the relay and its journal.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":        "healthy",
		"checks":        checks,
		"conversations": h.repo.Len(),
	}
	statusCode := http.StatusOK

	if h.journal == nil {
		checks["journal"] = "disabled"
	} else if err := h.journal.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["journal"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["journal"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
