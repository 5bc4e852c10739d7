package middleware

import (
	"context"
	"net/http"

	"github.com/kickoffdata/api-gateway/internal/envelope"
	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/kickoffdata/api-gateway/internal/services"
)

type contextKey string

const IdentityContextKey contextKey = "identity"

// CapabilityResolver maps a request onto the capability it invokes.
// It returns false when the request addresses no known endpoint.
type CapabilityResolver func(r *http.Request) (string, bool)

type AuthMiddleware struct {
	gate    *services.Gate
	emitter *envelope.Emitter
}

func NewAuthMiddleware(gate *services.Gate, emitter *envelope.Emitter) *AuthMiddleware {
	return &AuthMiddleware{gate: gate, emitter: emitter}
}

// Require admits requests for a fixed capability
func (m *AuthMiddleware) Require(capability string) func(http.Handler) http.Handler {
	return m.RequireResolved(func(*http.Request) (string, bool) {
		return capability, true
	})
}

// RequireResolved admits requests for the capability resolve derives from the request
func (m *AuthMiddleware) RequireResolved(resolve CapabilityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capability, ok := resolve(r)
			if !ok {
				m.emitter.Error(w, r, http.StatusNotFound, "ENDPOINT_NOT_FOUND", "Unknown endpoint")
				return
			}

			if info := infoFromContext(r.Context()); info != nil {
				info.capability = capability
			}

			identity, err := m.gate.Admit(r.Context(), r.Header, capability)
			if err != nil {
				writeGateError(m.emitter, w, r, err)
				return
			}

			if info := infoFromContext(r.Context()); info != nil {
				info.identity = identity
			}

			ctx := context.WithValue(r.Context(), IdentityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetIdentityFromContext(ctx context.Context) *models.Identity {
	if id, ok := ctx.Value(IdentityContextKey).(*models.Identity); ok {
		return id
	}
	return nil
}
