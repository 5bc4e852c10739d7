package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/kickoffdata/api-gateway/internal/config"
	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/kickoffdata/api-gateway/internal/middleware"
	"github.com/kickoffdata/api-gateway/internal/services"
	"github.com/sirupsen/logrus"
)

// Fetcher retrieves an endpoint's payload from its upstream provider
type Fetcher interface {
	Fetch(ctx context.Context, ep config.Endpoint, query url.Values) (json.RawMessage, error)
}

// DataHandler serves catalog endpoints through the cache-through accessor.
// It is mounted at /v1/{provider}/{resource} behind the gate.
type DataHandler struct {
	catalog  *config.Catalog
	upstream Fetcher
	cache    *services.CacheThrough
	emitter  *envelope.Emitter
	logger   *logrus.Logger
}

func NewDataHandler(catalog *config.Catalog, upstream Fetcher, cache *services.CacheThrough, emitter *envelope.Emitter, logger *logrus.Logger) *DataHandler {
	return &DataHandler{
		catalog:  catalog,
		upstream: upstream,
		cache:    cache,
		emitter:  emitter,
		logger:   logger,
	}
}

func (h *DataHandler) endpoint(r *http.Request) (config.Endpoint, bool) {
	return h.catalog.Lookup(chi.URLParam(r, "provider"), chi.URLParam(r, "resource"))
}

// ResolveCapability is the gate's capability resolver for catalog routes
func (h *DataHandler) ResolveCapability(r *http.Request) (string, bool) {
	ep, ok := h.endpoint(r)
	return ep.Capability, ok
}

func (h *DataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep, ok := h.endpoint(r)
	if !ok {
		h.emitter.Error(w, r, http.StatusNotFound, "ENDPOINT_NOT_FOUND", "Unknown endpoint")
		return
	}

	identity := middleware.GetIdentityFromContext(r.Context())
	query := r.URL.Query()

	result, err := services.GetOrFetch(r.Context(), h.cache, cacheKey(ep.Capability, query), func(ctx context.Context) (json.RawMessage, error) {
		return h.upstream.Fetch(ctx, ep, query)
	}, ep.TTL)
	if err != nil {
		h.writeUpstreamError(w, r, ep, err)
		return
	}

	h.emitter.Success(w, r, result.Data, result.FromCache, envelope.RateLimitFromIdentity(identity))
}

func (h *DataHandler) writeUpstreamError(w http.ResponseWriter, r *http.Request, ep config.Endpoint, err error) {
	h.logger.WithError(err).WithField("capability", ep.Capability).Error("upstream fetch failed")

	switch {
	case errors.Is(err, services.ErrUpstreamTimeout):
		h.emitter.Error(w, r, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", err.Error())
	case errors.Is(err, services.ErrUpstreamUnavailable):
		h.emitter.Error(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", err.Error())
	default:
		h.emitter.Error(w, r, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
	}
}

// cacheKey is the capability plus the canonical (sorted) query string
func cacheKey(capability string, query url.Values) string {
	if len(query) == 0 {
		return capability
	}
	return capability + "?" + query.Encode()
}
