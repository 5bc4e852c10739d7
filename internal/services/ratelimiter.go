package services

import (
	"strings"
	"time"

	"github.com/kickoffdata/api-gateway/internal/models"
)

// MinuteWindow is the length of the per-minute window. The window is measured
// from the key's last admitted request, not from a clock boundary.
const MinuteWindow = 60 * time.Second

// Window identifies which limit produced a decision
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
)

// Decision is the outcome of evaluating a key's usage against its limits.
// Limit, Remaining and ResetAt all describe Window.
type Decision struct {
	Allowed        bool
	Window         Window
	Limit          int
	Remaining      int
	RemainingToday int
	ResetAt        time.Time
	RetryAfter     time.Duration
}

// EffectiveMinuteCount returns the per-minute count that applies at now.
// A stored count older than MinuteWindow counts as zero.
func EffectiveMinuteCount(u models.Usage, now time.Time) int {
	if u.LastRequestAt == nil {
		return 0
	}
	if now.Sub(*u.LastRequestAt) > MinuteWindow {
		return 0
	}
	return u.ThisMinute
}

// EffectiveDayCount returns the daily count that applies at now.
// A stored count from a different UTC calendar day counts as zero.
func EffectiveDayCount(u models.Usage, now time.Time) int {
	if u.LastRequestAt == nil {
		return 0
	}
	if models.LedgerDate(*u.LastRequestAt) != models.LedgerDate(now) {
		return 0
	}
	return u.Today
}

// NextUTCMidnight returns the start of the UTC day following now
func NextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// Evaluate decides whether one more request fits in the key's fixed windows.
//
// This is a fixed-window approximation: a client can burst up to twice its
// limit across a window boundary. The minute check runs first so a request
// over both limits is told to retry after the minute window.
func Evaluate(u models.Usage, limits models.RateLimits, now time.Time) Decision {
	minute := EffectiveMinuteCount(u, now)
	day := EffectiveDayCount(u, now)

	if minute >= limits.RequestsPerMinute {
		return Decision{
			Allowed:        false,
			Window:         WindowMinute,
			Limit:          limits.RequestsPerMinute,
			Remaining:      0,
			RemainingToday: clampRemaining(limits.RequestsPerDay - day),
			ResetAt:        now.Add(MinuteWindow),
			RetryAfter:     MinuteWindow,
		}
	}

	if day >= limits.RequestsPerDay {
		reset := NextUTCMidnight(now)
		return Decision{
			Allowed:        false,
			Window:         WindowDay,
			Limit:          limits.RequestsPerDay,
			Remaining:      0,
			RemainingToday: 0,
			ResetAt:        reset,
			RetryAfter:     reset.Sub(now),
		}
	}

	return Decision{
		Allowed:        true,
		Window:         WindowMinute,
		Limit:          limits.RequestsPerMinute,
		Remaining:      clampRemaining(limits.RequestsPerMinute - minute - 1),
		RemainingToday: clampRemaining(limits.RequestsPerDay - day - 1),
		ResetAt:        now.Add(MinuteWindow),
	}
}

// ApplyAdmission returns the usage a store should hold after admitting a
// request at now. Stores that cannot express this atomically must at least
// apply the same window rules.
func ApplyAdmission(u models.Usage, now time.Time) models.Usage {
	at := now
	return models.Usage{
		Today:         EffectiveDayCount(u, now) + 1,
		ThisMinute:    EffectiveMinuteCount(u, now) + 1,
		LastRequestAt: &at,
	}
}

// MatchCapability reports whether any permission pattern grants capability.
// A pattern matches when it equals the capability, when it is the bare "*",
// or when it ends in ".*" and the part before the wildcard prefixes the capability.
func MatchCapability(patterns []string, capability string) bool {
	for _, p := range patterns {
		switch {
		case p == "*":
			return true
		case p == capability:
			return true
		case strings.HasSuffix(p, ".*"):
			if strings.HasPrefix(capability, strings.TrimSuffix(p, "*")) {
				return true
			}
		}
	}
	return false
}

// NormalizeCapability builds a dotted capability from path segments
func NormalizeCapability(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(strings.ToLower(strings.TrimSpace(s)), "./")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ".")
}

func clampRemaining(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
