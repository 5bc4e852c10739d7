package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/sirupsen/logrus"
)

const AdminSecretHeader = "X-Admin-Secret"

// AdminAuth guards operator routes with a shared secret. An empty secret
// disables the routes entirely.
func AdminAuth(secret string, emitter *envelope.Emitter, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				emitter.Error(w, r, http.StatusNotFound, "ENDPOINT_NOT_FOUND", "Unknown endpoint")
				return
			}

			presented := r.Header.Get(AdminSecretHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				logger.WithField("path", r.URL.Path).Warn("admin request with bad secret")
				emitter.Error(w, r, http.StatusUnauthorized, "INVALID_ADMIN_SECRET", "Invalid admin secret")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
