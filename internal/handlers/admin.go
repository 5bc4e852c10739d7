package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kickoffdata/api-gateway/internal/database"
	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/kickoffdata/api-gateway/internal/logger"
	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/sirupsen/logrus"
)

// KeyStore is the credential store as seen by operators
type KeyStore interface {
	CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]models.APIKey, error)
	GetAPIKeyByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status) (*models.APIKey, error)
	UpdateRateLimits(ctx context.Context, id uuid.UUID, limits models.RateLimits) (*models.APIKey, error)
	GetUsageLedger(ctx context.Context, key, date string) (*models.UsageLedgerEntry, error)
}

// CacheClearer drops cached payloads by key prefix
type CacheClearer interface {
	Clear(ctx context.Context, prefix string) (int, error)
}

type AdminHandler struct {
	store   KeyStore
	cache   CacheClearer
	emitter *envelope.Emitter
	logger  *logrus.Logger
	now     func() time.Time
}

func NewAdminHandler(store KeyStore, cache CacheClearer, emitter *envelope.Emitter, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		store:   store,
		cache:   cache,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}
}

// Routes mounts the operator API on r
func (h *AdminHandler) Routes(r chi.Router) {
	r.Post("/keys", h.CreateAPIKey)
	r.Get("/keys", h.ListAPIKeys)
	r.Get("/keys/{id}", h.GetAPIKey)
	r.Post("/keys/{id}/revoke", h.setStatus(models.StatusRevoked))
	r.Post("/keys/{id}/suspend", h.setStatus(models.StatusSuspended))
	r.Post("/keys/{id}/activate", h.setStatus(models.StatusActive))
	r.Put("/keys/{id}/limits", h.UpdateRateLimits)
	r.Get("/keys/{id}/usage", h.GetUsage)
	r.Delete("/cache", h.ClearCache)
}

type CreateAPIKeyRequest struct {
	Name        string             `json:"name"`
	Tier        models.Tier        `json:"tier"`
	Permissions []string           `json:"permissions"`
	ExpiresAt   *time.Time         `json:"expires_at"`
	RateLimits  *models.RateLimits `json:"rate_limits"`
}

// keyView hides the secret part of a key outside of creation
type keyView struct {
	models.APIKey
	Key string `json:"key"`
}

func maskKey(k models.APIKey) keyView {
	return keyView{APIKey: k, Key: logger.KeyPrefix(k.Key)}
}

func (h *AdminHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.emitter.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.emitter.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Name is required")
		return
	}
	if req.Tier == "" {
		req.Tier = models.TierStarter
	}

	limits, ok := models.LimitsForTier(req.Tier)
	if !ok {
		h.emitter.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Unknown tier "+string(req.Tier))
		return
	}
	if req.RateLimits != nil {
		if err := req.RateLimits.Validate(); err != nil {
			h.emitter.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		limits = *req.RateLimits
	}

	now := h.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		h.emitter.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "expires_at must be in the future")
		return
	}
	if req.Permissions == nil {
		req.Permissions = []string{}
	}

	apiKey := &models.APIKey{
		Key:         generateKey(),
		Name:        req.Name,
		Tier:        req.Tier,
		Status:      models.StatusActive,
		RateLimits:  limits,
		Permissions: req.Permissions,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
	}

	if err := h.store.CreateAPIKey(r.Context(), apiKey); err != nil {
		h.logger.WithError(err).Error("failed to create API key")
		h.emitter.Error(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"name": apiKey.Name,
		"tier": apiKey.Tier,
		"key":  logger.KeyPrefix(apiKey.Key),
	}).Info("created API key")

	h.emitter.Success(w, r, apiKey, false, nil)
}

func (h *AdminHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("failed to list API keys")
		h.emitter.Error(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list API keys")
		return
	}

	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, maskKey(k))
	}
	h.emitter.Success(w, r, views, false, nil)
}

func (h *AdminHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := h.loadKey(w, r)
	if !ok {
		return
	}
	h.emitter.Success(w, r, maskKey(*apiKey), false, nil)
}

func (h *AdminHandler) setStatus(status models.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.parseID(w, r)
		if !ok {
			return
		}

		apiKey, err := h.store.UpdateStatus(r.Context(), id, status)
		if err != nil {
			h.writeStoreError(w, r, err, "Failed to update API key")
			return
		}

		h.logger.WithFields(logrus.Fields{"id": id, "status": status}).Info("updated API key status")
		h.emitter.Success(w, r, maskKey(*apiKey), false, nil)
	}
}

func (h *AdminHandler) UpdateRateLimits(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var limits models.RateLimits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		h.emitter.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if err := limits.Validate(); err != nil {
		h.emitter.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	apiKey, err := h.store.UpdateRateLimits(r.Context(), id, limits)
	if err != nil {
		h.writeStoreError(w, r, err, "Failed to update API key limits")
		return
	}

	h.logger.WithField("id", id).Info("updated API key limits")
	h.emitter.Success(w, r, maskKey(*apiKey), false, nil)
}

func (h *AdminHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := h.loadKey(w, r)
	if !ok {
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = models.LedgerDate(h.now())
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		h.emitter.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "date must be YYYY-MM-DD")
		return
	}

	entry, err := h.store.GetUsageLedger(r.Context(), apiKey.Key, date)
	if errors.Is(err, database.ErrNotFound) {
		entry = &models.UsageLedgerEntry{Date: date, Endpoints: map[string]int{}}
	} else if err != nil {
		h.writeStoreError(w, r, err, "Failed to read usage")
		return
	}
	entry.Key = logger.KeyPrefix(apiKey.Key)

	h.emitter.Success(w, r, entry, false, nil)
}

func (h *AdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	deleted, err := h.cache.Clear(r.Context(), prefix)
	if err != nil {
		h.logger.WithError(err).Error("failed to clear cache")
		h.emitter.Error(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to clear cache")
		return
	}

	h.logger.WithFields(logrus.Fields{"prefix": prefix, "deleted": deleted}).Info("cleared cache")
	h.emitter.Success(w, r, map[string]int{"deleted": deleted}, false, nil)
}

func (h *AdminHandler) loadKey(w http.ResponseWriter, r *http.Request) (*models.APIKey, bool) {
	id, ok := h.parseID(w, r)
	if !ok {
		return nil, false
	}

	apiKey, err := h.store.GetAPIKeyByID(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err, "Failed to load API key")
		return nil, false
	}
	return apiKey, true
}

func (h *AdminHandler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.emitter.Error(w, r, http.StatusBadRequest, "INVALID_REQUEST", "Invalid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *AdminHandler) writeStoreError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		h.emitter.Error(w, r, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found")
	case errors.Is(err, database.ErrInvalidTransition):
		h.emitter.Error(w, r, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	default:
		h.logger.WithError(err).Error(msg)
		h.emitter.Error(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", msg)
	}
}

// generateKey returns a new opaque consumer key
func generateKey() string {
	return "kd_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
