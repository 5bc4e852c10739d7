package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/kickoffdata/api-gateway/internal/middleware"
	"github.com/sirupsen/logrus"
)

// RouterConfig is everything NewRouter mounts
type RouterConfig struct {
	Data          *DataHandler
	Admin         *AdminHandler
	Health        *MetricsHandler
	Auth          *middleware.AuthMiddleware
	RequestLogger *middleware.RequestLogger
	Emitter       *envelope.Emitter
	Logger        *logrus.Logger
	AdminSecret   string
}

// NewRouter builds the gateway's HTTP surface. Every response outside
// /health and /metrics, router errors included, is an envelope.
func NewRouter(cfg RouterConfig) http.Handler {
	notFound := func(w http.ResponseWriter, r *http.Request) {
		cfg.Emitter.Error(w, r, http.StatusNotFound, "ENDPOINT_NOT_FOUND", "Unknown endpoint")
	}
	methodNotAllowed := func(w http.ResponseWriter, r *http.Request) {
		cfg.Emitter.Error(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method "+r.Method+" is not allowed here")
	}
	recoverer := middleware.Recoverer(cfg.Emitter, cfg.Logger)

	r := chi.NewRouter()
	r.Use(recoverer)
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/health", cfg.Health.HealthCheck)
	r.Method(http.MethodGet, "/metrics", cfg.Health.Metrics())

	// the request logger sits outside the inner recoverer so panics are logged as 500s
	r.Route("/admin", func(r chi.Router) {
		r.Use(cfg.RequestLogger.Middleware, recoverer)
		r.Use(middleware.AdminAuth(cfg.AdminSecret, cfg.Emitter, cfg.Logger))
		r.NotFound(notFound)
		r.MethodNotAllowed(methodNotAllowed)
		cfg.Admin.Routes(r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(cfg.RequestLogger.Middleware, recoverer)
		r.NotFound(notFound)
		r.MethodNotAllowed(methodNotAllowed)
		r.With(cfg.Auth.RequireResolved(cfg.Data.ResolveCapability)).
			Get("/{provider}/{resource}", cfg.Data.ServeHTTP)
	})

	return r
}
