package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kickoffdata/api-gateway/internal/logger"
	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/sirupsen/logrus"
)

// APIKeyHeader carries the consumer's key on every gated request
const APIKeyHeader = "X-API-Key"

const (
	CodeMissingKey       = "MISSING_API_KEY"
	CodeInvalidKey       = "INVALID_API_KEY"
	CodeKeyInactive      = "KEY_INACTIVE"
	CodeKeyExpired       = "KEY_EXPIRED"
	CodePermissionDenied = "INSUFFICIENT_PERMISSIONS"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeInternal         = "INTERNAL_ERROR"

	resultAdmitted = "ADMITTED"
)

// CredentialStore is the persistence the gate reads keys from and writes usage to.
// GetAPIKeyByKey returns nil, nil for an unknown key.
type CredentialStore interface {
	GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error)
	RecordUsage(ctx context.Context, key, capability string, at time.Time) error
}

// KeyLocker is implemented by stores that can serialize admissions of one key.
// The store operations issued from fn with the given context run under the lock.
type KeyLocker interface {
	WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// GateError is returned for every rejected admission
type GateError struct {
	Code     string
	Status   int
	Message  string
	Decision *Decision
	Err      error
}

func (e *GateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// RetryAfter is the hint sent with RATE_LIMIT_EXCEEDED, zero otherwise
func (e *GateError) RetryAfter() time.Duration {
	if e.Decision == nil || e.Decision.Allowed {
		return 0
	}
	return e.Decision.RetryAfter
}

func newGateError(code string, status int, msg string) *GateError {
	return &GateError{Code: code, Status: status, Message: msg}
}

// Gate authenticates, authorizes and admits requests for a capability
type Gate struct {
	store   CredentialStore
	metrics *Metrics
	logger  *logrus.Logger
	now     func() time.Time
	strict  bool
}

func NewGate(store CredentialStore, metrics *Metrics, logger *logrus.Logger) *Gate {
	return &Gate{
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock replaces the gate's time source
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// WithStrictAdmission runs each admission under the store's per-key lock when
// the store implements KeyLocker. Without it, concurrent requests for one key
// may be over-admitted by at most the concurrency level minus one.
func (g *Gate) WithStrictAdmission(strict bool) *Gate {
	g.strict = strict
	return g
}

// Admit validates the key presented in header and admits one request for capability.
// Rejected requests leave usage untouched.
func (g *Gate) Admit(ctx context.Context, header http.Header, capability string) (*models.Identity, error) {
	capability = NormalizeCapability(capability)
	key := strings.TrimSpace(header.Get(APIKeyHeader))
	if key == "" {
		err := newGateError(CodeMissingKey, http.StatusUnauthorized, "Missing API key. Please provide X-API-Key header.")
		g.reject(err, "", capability)
		return nil, err
	}

	var identity *models.Identity
	admit := func(ctx context.Context) error {
		id, err := g.admit(ctx, key, capability)
		identity = id
		return err
	}

	var err error
	if locker, ok := g.store.(KeyLocker); ok && g.strict {
		err = locker.WithKeyLock(ctx, key, admit)
	} else {
		err = admit(ctx)
	}

	if err != nil {
		var gateErr *GateError
		if !errors.As(err, &gateErr) {
			gateErr = &GateError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "Internal server error", Err: err}
		}
		g.reject(gateErr, key, capability)
		return nil, gateErr
	}

	g.metrics.ObserveAdmission(resultAdmitted)
	return identity, nil
}

func (g *Gate) admit(ctx context.Context, key, capability string) (*models.Identity, error) {
	record, err := g.store.GetAPIKeyByKey(ctx, key)
	if err != nil {
		return nil, &GateError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "Internal server error", Err: err}
	}
	if record == nil {
		return nil, newGateError(CodeInvalidKey, http.StatusUnauthorized, "Invalid API key")
	}

	now := g.now()

	if record.Status != models.StatusActive {
		return nil, newGateError(CodeKeyInactive, http.StatusForbidden, fmt.Sprintf("API key is %s", record.Status))
	}
	if record.IsExpired(now) {
		return nil, newGateError(CodeKeyExpired, http.StatusForbidden, "API key has expired")
	}
	if !MatchCapability(record.Permissions, capability) {
		return nil, newGateError(CodePermissionDenied, http.StatusForbidden, fmt.Sprintf("API key is not permitted to access %s", capability))
	}

	decision := Evaluate(record.Usage, record.RateLimits, now)
	if !decision.Allowed {
		gateErr := newGateError(CodeRateLimited, http.StatusTooManyRequests, fmt.Sprintf("Rate limit exceeded (%s). Try again later.", decision.Window))
		gateErr.Decision = &decision
		return nil, gateErr
	}

	if err := g.store.RecordUsage(ctx, key, capability, now); err != nil {
		return nil, &GateError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "Internal server error", Err: err}
	}

	return &models.Identity{
		KeyID:               record.ID,
		Key:                 record.Key,
		Name:                record.Name,
		Tier:                record.Tier,
		RateLimits:          record.RateLimits,
		Capability:          capability,
		RemainingThisMinute: decision.Remaining,
		RemainingToday:      decision.RemainingToday,
		ResetAt:             decision.ResetAt,
	}, nil
}

func (g *Gate) reject(err *GateError, key, capability string) {
	g.metrics.ObserveAdmission(err.Code)

	entry := g.logger.WithFields(logrus.Fields{
		"code":       err.Code,
		"capability": capability,
	})
	if key != "" {
		entry = entry.WithField("key", logger.KeyPrefix(key))
	}

	if err.Code == CodeInternal {
		entry.WithError(err.Err).Error("admission failed")
		return
	}
	entry.Warn("admission rejected")
}
