package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/autofeed/internal/health"
)

// readyTimeout bounds all dependency checks of one readiness probe.
const readyTimeout = 5 * time.Second

// HealthChecker is a named dependency that can be health checked.
type HealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// HealthHandlers provides health and readiness check endpoints for Kubernetes probes.
type HealthHandlers struct {
	checkers []HealthChecker
	logger   *slog.Logger
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	// Checkers are probed by /ready. A checker answering
	// health.ErrNotConfigured is reported but does not fail readiness.
	Checkers []HealthChecker
	Logger   *slog.Logger
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &HealthHandlers{
		checkers: config.Checkers,
		logger:   config.Logger,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe). It never checks dependencies.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe).
// Returns 503 if any configured dependency is unavailable.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := map[string]string{"metrics": "ok"}
	healthy := true

	for _, c := range h.checkers {
		err := c.HealthCheck(ctx)
		switch {
		case err == nil:
			checks[c.Name()] = "ok"
		case errors.Is(err, health.ErrNotConfigured):
			checks[c.Name()] = "not_configured"
		default:
			checks[c.Name()] = "error"
			healthy = false
			h.logger.WarnContext(ctx, "dependency health check failed", "dependency", c.Name(), "error", err)
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	h.write(w, code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandlers) write(w http.ResponseWriter, code int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode health response", "error", err)
	}
}
