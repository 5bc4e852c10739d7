// Package envelope wraps every gateway response in the uniform success/error
// body and sets the rate-limit headers of the current admission.
package envelope

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kickoffdata/api-gateway/internal/models"
)

const (
	HeaderRequestID          = "X-Request-Id"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

type RateLimit struct {
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	ResetAt   string `json:"resetAt"`
}

type Meta struct {
	RequestID string     `json:"requestId"`
	Timestamp string     `json:"timestamp"`
	Cached    bool       `json:"cached"`
	RateLimit *RateLimit `json:"rateLimit,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Meta    Meta   `json:"meta"`
}

type requestIDKey struct{}

// WithRequestID binds a request id to ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id bound to ctx, or "" when none is
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// NewRequestID returns a fresh random request id
func NewRequestID() string {
	return uuid.NewString()
}

// Emitter writes envelopes
type Emitter struct {
	now func() time.Time
}

func NewEmitter() *Emitter {
	return &Emitter{now: time.Now}
}

func (e *Emitter) WithClock(now func() time.Time) *Emitter {
	e.now = now
	return e
}

// RateLimitFromIdentity builds the rate-limit meta of an admitted request
func RateLimitFromIdentity(id *models.Identity) *RateLimit {
	if id == nil {
		return nil
	}
	return &RateLimit{
		Remaining: id.RemainingThisMinute,
		Limit:     id.RateLimits.RequestsPerMinute,
		ResetAt:   id.ResetAt.UTC().Format(time.RFC3339),
	}
}

// Success writes a 200 envelope around data
func (e *Emitter) Success(w http.ResponseWriter, r *http.Request, data any, cached bool, rl *RateLimit) {
	e.write(w, r, http.StatusOK, Envelope{Success: true, Data: data}, cached, rl, 0)
}

// Error writes an error envelope with status
func (e *Emitter) Error(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	e.write(w, r, status, Envelope{Success: false, Error: &Error{Code: code, Message: message}}, false, nil, 0)
}

// RateLimited writes a 429 envelope carrying the Retry-After hint
func (e *Emitter) RateLimited(w http.ResponseWriter, r *http.Request, code, message string, rl *RateLimit, retryAfter time.Duration) {
	e.write(w, r, http.StatusTooManyRequests, Envelope{Success: false, Error: &Error{Code: code, Message: message}}, false, rl, retryAfter)
}

func (e *Emitter) write(w http.ResponseWriter, r *http.Request, status int, env Envelope, cached bool, rl *RateLimit, retryAfter time.Duration) {
	requestID := RequestID(r.Context())
	if requestID == "" {
		requestID = NewRequestID()
	}

	env.Meta = Meta{
		RequestID: requestID,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		Cached:    cached,
		RateLimit: rl,
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set(HeaderRequestID, requestID)
	if rl != nil {
		h.Set(HeaderRateLimitRemaining, strconv.Itoa(rl.Remaining))
		h.Set(HeaderRateLimitLimit, strconv.Itoa(rl.Limit))
		h.Set(HeaderRateLimitReset, rl.ResetAt)
	}
	if retryAfter > 0 {
		h.Set(HeaderRetryAfter, strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}

	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
