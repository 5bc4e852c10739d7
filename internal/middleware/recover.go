package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/kickoffdata/api-gateway/internal/services"
	"github.com/sirupsen/logrus"
)

// Recoverer turns a handler panic into a logged 500 envelope
func Recoverer(emitter *envelope.Emitter, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				logger.WithFields(logrus.Fields{
					"panic":      rec,
					"path":       r.URL.Path,
					"request_id": envelope.RequestID(r.Context()),
					"stack":      string(debug.Stack()),
				}).Error("handler panicked")

				emitter.Error(w, r, http.StatusInternalServerError, services.CodeInternal, "Internal server error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
