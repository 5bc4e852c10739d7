package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Pinger is a dependency the health check can probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// MetricsHandler handles metrics endpoints
type MetricsHandler struct {
	credentials Pinger
	cache       Pinger
	gatherer    prometheus.Gatherer
	logger      *logrus.Logger
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(credentials, cache Pinger, gatherer prometheus.Gatherer, logger *logrus.Logger) *MetricsHandler {
	return &MetricsHandler{
		credentials: credentials,
		cache:       cache,
		gatherer:    gatherer,
		logger:      logger,
	}
}

// Metrics exposes the Prometheus registry
func (h *MetricsHandler) Metrics() http.Handler {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthCheck checks the health of the system and its dependencies
func (h *MetricsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  make(map[string]string),
	}

	h.check(ctx, health, "credential_store", h.credentials)
	h.check(ctx, health, "cache_store", h.cache)

	statusCode := http.StatusOK
	if health.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(health)
}

func (h *MetricsHandler) check(ctx context.Context, health *HealthResponse, name string, p Pinger) {
	if err := p.Ping(ctx); err != nil {
		health.Services[name] = "unhealthy: " + err.Error()
		health.Status = "degraded"
		h.logger.WithError(err).WithField("service", name).Warn("health check failed")
		return
	}
	health.Services[name] = "healthy"
}
