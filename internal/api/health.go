package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shoplens/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo  store.Repository
	voice bool
}

// NewHealthHandler creates a new health handler. voiceEnabled is reported
// as a check so clients can hide the microphone control.
func NewHealthHandler(repo store.Repository, voiceEnabled bool) *HealthHandler {
	return &HealthHandler{repo: repo, voice: voiceEnabled}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "voice": "disabled"}
	if h.voice {
		checks["voice"] = "ok"
	}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["storage"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
