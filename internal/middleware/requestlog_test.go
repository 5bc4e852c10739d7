package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kickoffdata/api-gateway/internal/database"
	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/kickoffdata/api-gateway/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogger_RecordsAdmittedRequest(t *testing.T) {
	auth, db := setupAuth(t, models.RateLimits{RequestsPerMinute: 30, RequestsPerDay: 1000}, "*")
	log, hook := test.NewNullLogger()

	var seenID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = envelope.RequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := NewRequestLogger(db, nil, log).Middleware(auth.Require("fpl.live")(inner))

	req := httptest.NewRequest(http.MethodGet, "/v1/fpl/live", nil)
	req.Header.Set(services.APIKeyHeader, "kd_test_key_123")
	req.Header.Set(envelope.HeaderRequestID, "client-chosen")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, seenID)
	assert.NotEqual(t, "client-chosen", seenID)
	assert.Equal(t, seenID, rec.Header().Get(envelope.HeaderRequestID))

	logs := db.RequestLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, seenID, logs[0].RequestID)
	assert.Equal(t, "fpl.live", logs[0].Capability)
	assert.Equal(t, "203.0.113.7", logs[0].IPAddress)
	require.NotNil(t, logs[0].APIKeyID)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "Acme", entry.Data["key_name"])
}

func TestRequestLogger_RejectedRequestHasNoKeyID(t *testing.T) {
	auth, db := setupAuth(t, models.RateLimits{RequestsPerMinute: 30, RequestsPerDay: 1000}, "*")
	log, hook := test.NewNullLogger()

	handler := NewRequestLogger(db, nil, log).Middleware(auth.Require("fpl.live")(http.NotFoundHandler()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/fpl/live", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	logs := db.RequestLogs()
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].APIKeyID)
	assert.Equal(t, http.StatusUnauthorized, logs[0].StatusCode)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

type failingSink struct{}

func (failingSink) LogRequest(context.Context, *models.RequestLog) error {
	return errors.New("database is down")
}

func TestRequestLogger_SinkFailureDoesNotAffectResponse(t *testing.T) {
	log, hook := test.NewNullLogger()
	handler := NewRequestLogger(failingSink{}, nil, log).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "failed to log request to database", hook.LastEntry().Message)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", getClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "203.0.113.7", getClientIP(req))
}

var _ RequestLogSink = (*database.MemoryDB)(nil)
