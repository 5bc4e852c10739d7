package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/kickoffdata/api-gateway/internal/services"
	"github.com/sirupsen/logrus"
)

// RequestLogSink persists one row per handled request
type RequestLogSink interface {
	LogRequest(ctx context.Context, log *models.RequestLog) error
}

// requestInfo is filled in by inner middleware so the access log can see it
type requestInfo struct {
	identity   *models.Identity
	capability string
}

type infoKey struct{}

func infoFromContext(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(infoKey{}).(*requestInfo)
	return info
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// RequestLogger assigns every request a fresh request id and records it once handled
type RequestLogger struct {
	sink    RequestLogSink
	metrics *services.Metrics
	logger  *logrus.Logger
}

func NewRequestLogger(sink RequestLogSink, metrics *services.Metrics, logger *logrus.Logger) *RequestLogger {
	return &RequestLogger{
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}
}

func (m *RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// client supplied ids are never reused
		requestID := envelope.NewRequestID()
		info := &requestInfo{}

		ctx := envelope.WithRequestID(r.Context(), requestID)
		ctx = context.WithValue(ctx, infoKey{}, info)
		w.Header().Set(envelope.HeaderRequestID, requestID)

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r.WithContext(ctx))

		m.logRequest(r.WithContext(ctx), rw.statusCode, time.Since(start), requestID, info)
	})
}

func (m *RequestLogger) logRequest(r *http.Request, status int, duration time.Duration, requestID string, info *requestInfo) {
	durationMs := duration.Milliseconds()

	entry := m.logger.WithFields(logrus.Fields{
		"request_id":  requestID,
		"method":      r.Method,
		"path":        r.URL.Path,
		"status":      status,
		"duration_ms": durationMs,
	})
	if info.capability != "" {
		entry = entry.WithField("capability", info.capability)
	}
	if info.identity != nil {
		entry = entry.WithField("key_name", info.identity.Name)
	}

	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request served")
	}

	m.metrics.RecordRequest(r.Method, status, duration)

	if m.sink == nil {
		return
	}

	requestLog := &models.RequestLog{
		RequestID:      requestID,
		Method:         r.Method,
		Path:           r.URL.Path,
		Capability:     info.capability,
		StatusCode:     status,
		ResponseTimeMs: int(durationMs),
		IPAddress:      getClientIP(r),
		UserAgent:      r.UserAgent(),
	}
	if info.identity != nil {
		id := info.identity.KeyID
		requestLog.APIKeyID = &id
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()

	if err := m.sink.LogRequest(ctx, requestLog); err != nil {
		m.logger.WithError(err).Warn("failed to log request to database")
	}
}

func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}

	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
