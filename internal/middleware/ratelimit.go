package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/kickoffdata/api-gateway/internal/services"
)

// writeGateError renders a rejected admission. Rate-limit rejections carry the
// headers of the decision that rejected them.
func writeGateError(emitter *envelope.Emitter, w http.ResponseWriter, r *http.Request, err error) {
	var gateErr *services.GateError
	if !errors.As(err, &gateErr) {
		emitter.Error(w, r, http.StatusInternalServerError, services.CodeInternal, "Internal server error")
		return
	}

	if gateErr.Code == services.CodeRateLimited && gateErr.Decision != nil {
		emitter.RateLimited(w, r, gateErr.Code, gateErr.Message, rateLimitFromDecision(gateErr.Decision), gateErr.RetryAfter())
		return
	}

	emitter.Error(w, r, gateErr.Status, gateErr.Code, gateErr.Message)
}

func rateLimitFromDecision(d *services.Decision) *envelope.RateLimit {
	return &envelope.RateLimit{
		Remaining: d.Remaining,
		Limit:     d.Limit,
		ResetAt:   d.ResetAt.UTC().Format(time.RFC3339),
	}
}
