package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tier is the commercial plan of a B2B consumer
type Tier string

const (
	TierStarter    Tier = "starter"
	TierGrowth     Tier = "growth"
	TierEnterprise Tier = "enterprise"
)

var tierLimits = map[Tier]RateLimits{
	TierStarter:    {RequestsPerMinute: 30, RequestsPerDay: 1000},
	TierGrowth:     {RequestsPerMinute: 120, RequestsPerDay: 20000},
	TierEnterprise: {RequestsPerMinute: 600, RequestsPerDay: 250000},
}

// LimitsForTier returns the default limits copied onto a key created with the given tier
func LimitsForTier(t Tier) (RateLimits, bool) {
	limits, ok := tierLimits[t]
	return limits, ok
}

// Status is the lifecycle state of an API key
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusRevoked:
		return true
	}
	return false
}

// RateLimits are frozen on the key at creation time
type RateLimits struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerDay    int `json:"requests_per_day"`
}

func (l RateLimits) Validate() error {
	if l.RequestsPerMinute <= 0 || l.RequestsPerDay <= 0 {
		return fmt.Errorf("rate limits must be positive, got %d/min %d/day", l.RequestsPerMinute, l.RequestsPerDay)
	}
	return nil
}

// Usage holds the rolling counters of a key. The counters are only meaningful
// relative to LastRequestAt; windows are reset lazily when read.
type Usage struct {
	Today         int        `json:"today"`
	ThisMinute    int        `json:"this_minute"`
	LastRequestAt *time.Time `json:"last_request_at,omitempty"`
}

// APIKey represents an API key for authentication
type APIKey struct {
	ID          uuid.UUID  `json:"id"`
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Tier        Tier       `json:"tier"`
	Status      Status     `json:"status"`
	RateLimits  RateLimits `json:"rate_limits"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Usage       Usage      `json:"usage"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsExpired reports whether the key has an expiry that lies before now
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// CanTransitionTo reports whether an operator may move the key into next.
// Revoked is terminal.
func (k *APIKey) CanTransitionTo(next Status) error {
	if !next.Valid() {
		return fmt.Errorf("unknown status %q", next)
	}
	if k.Status == StatusRevoked && next != StatusRevoked {
		return fmt.Errorf("key is revoked")
	}
	return nil
}

// UsageLedgerEntry is the per key, per UTC day request ledger
type UsageLedgerEntry struct {
	Key           string         `json:"key"`
	Date          string         `json:"date"`
	RequestCount  int            `json:"request_count"`
	Endpoints     map[string]int `json:"endpoints"`
	LastRequestAt time.Time      `json:"last_request_at"`
}

// LedgerDate formats t as the UTC calendar day used by the ledger
func LedgerDate(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// CacheEntry is a serialized payload with its expiry. An entry past ExpiresAt
// is treated as absent even though it may still be stored.
type CacheEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	TTLMs     int64           `json:"ttl_ms"`
}

// Fresh reports whether the entry may still be served at now
func (e *CacheEntry) Fresh(now time.Time) bool {
	return !now.After(e.ExpiresAt)
}

// Identity is the verified caller attached to a request after admission
type Identity struct {
	KeyID               uuid.UUID  `json:"key_id"`
	Key                 string     `json:"-"`
	Name                string     `json:"name"`
	Tier                Tier       `json:"tier"`
	RateLimits          RateLimits `json:"rate_limits"`
	Capability          string     `json:"capability"`
	RemainingThisMinute int        `json:"remaining_this_minute"`
	RemainingToday      int        `json:"remaining_today"`
	ResetAt             time.Time  `json:"reset_at"`
}

// RequestLog represents a logged HTTP request
type RequestLog struct {
	ID             uuid.UUID  `json:"id"`
	APIKeyID       *uuid.UUID `json:"api_key_id,omitempty"` // Nullable for unauthenticated requests
	RequestID      string     `json:"request_id"`
	Method         string     `json:"method"`
	Path           string     `json:"path"`
	Capability     string     `json:"capability,omitempty"`
	StatusCode     int        `json:"status_code"`
	ResponseTimeMs int        `json:"response_time_ms"`
	IPAddress      string     `json:"ip_address"`
	UserAgent      string     `json:"user_agent"`
	CreatedAt      time.Time  `json:"created_at"`
}
