package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/kickoffdata/api-gateway/internal/services"
	"github.com/stretchr/testify/assert"
)

func TestWriteGateError_DailyLimitResetsAtMidnight(t *testing.T) {
	midnight := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	err := &services.GateError{
		Code:    services.CodeRateLimited,
		Status:  http.StatusTooManyRequests,
		Message: "Rate limit exceeded (day). Try again later.",
		Decision: &services.Decision{
			Window:     services.WindowDay,
			Limit:      1000,
			ResetAt:    midnight,
			RetryAfter: 90 * time.Second,
		},
	}

	rec := httptest.NewRecorder()
	writeGateError(envelope.NewEmitter(), rec, httptest.NewRequest(http.MethodGet, "/", nil), err)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get(envelope.HeaderRetryAfter))
	assert.Equal(t, "2025-03-02T00:00:00Z", rec.Header().Get(envelope.HeaderRateLimitReset))
	assert.Equal(t, "1000", rec.Header().Get(envelope.HeaderRateLimitLimit))
}

func TestWriteGateError_UnknownErrorIsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeGateError(envelope.NewEmitter(), rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get(envelope.HeaderRetryAfter))
}
