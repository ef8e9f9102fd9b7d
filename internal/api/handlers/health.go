package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

// HealthChecker is satisfied by the database and Redis wrappers.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	db      HealthChecker
	redis   HealthChecker
	version string
	started time.Time
}

// HealthResponse reports overall status and each dependency as "healthy",
// "not configured" or "unhealthy: <reason>".
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
}

// NewHealthHandler builds the handler. redis may be nil when Redis is disabled.
func NewHealthHandler(db HealthChecker, redis HealthChecker, version string) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, version: version, started: time.Now()}
}

// HealthCheck answers 503 only when the database is down; Redis degrades the status.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	span := sentry.StartSpan(ctx, "health_check")
	defer span.Finish()
	ctx = span.Context()

	services := map[string]string{
		"database": probe(ctx, h.db),
		"redis":    "not configured",
	}
	if h.redis != nil {
		services["redis"] = probe(ctx, h.redis)
	}

	status, code := "healthy", http.StatusOK
	if services["redis"] != "healthy" && services["redis"] != "not configured" {
		status = "degraded"
	}
	if services["database"] != "healthy" {
		status, code = "unhealthy", http.StatusServiceUnavailable
		span.Status = sentry.SpanStatusUnavailable
	} else {
		span.Status = sentry.SpanStatusOK
	}
	span.SetTag("overall.status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  services,
		Version:   h.version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}); err != nil {
		sentry.CaptureException(err)
	}
}

// LivenessCheck only proves the process serves HTTP.
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}

func probe(ctx context.Context, c HealthChecker) string {
	if c == nil {
		return "unhealthy: not configured"
	}
	if err := c.HealthCheck(ctx); err != nil {
		sentry.CaptureException(err)
		return "unhealthy: " + err.Error()
	}
	return "healthy"
}
