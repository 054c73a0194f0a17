package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/terra-clan/progress-engine/internal/models"
)

// TokenParser verifies bearer tokens
type TokenParser interface {
	Parse(token string) (models.Identity, error)
}

// AuthMiddleware handles bearer token authentication
type AuthMiddleware struct {
	tokens TokenParser
}

// NewAuthMiddleware creates new auth middleware
func NewAuthMiddleware(tokens TokenParser) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Authenticate requires a valid token in the Authorization header.
// Supports "Bearer <token>" or the raw token, and the access_token query
// parameter for websocket clients that cannot set headers.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, "auth_required", "sign in to continue")
			return
		}

		identity, err := m.tokens.Parse(token)
		if err != nil {
			slog.Warn("invalid token attempt", "key_prefix", maskKey(token), "remote_addr", r.RemoteAddr, "error", err)
			writeAuthError(w, http.StatusUnauthorized, "invalid_token", "the provided token is not valid")
			return
		}

		slog.Debug("authenticated request", "user_id", identity.MaskedUserID())

		ctx := ContextWithIdentity(r.Context(), &identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Identify attaches the identity when a token is present and lets anonymous
// requests through. A token that fails verification is still rejected.
func (m *AuthMiddleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if extractToken(r) == "" {
			next.ServeHTTP(w, r)
			return
		}
		m.Authenticate(next).ServeHTTP(w, r)
	})
}

// RequireRole returns middleware that checks for a specific role
func (m *AuthMiddleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if !identity.IsAuthenticated() {
				writeAuthError(w, http.StatusUnauthorized, "auth_required", "sign in to continue")
				return
			}

			if !identity.HasRole(role) {
				slog.Warn("role denied",
					"user_id", identity.MaskedUserID(),
					"required", role,
					"has", identity.Roles,
				)
				writeAuthError(w, http.StatusForbidden, "permission_denied",
					"missing required role: "+role)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractToken extracts the bearer token from the request
func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			return strings.TrimPrefix(authHeader, "Bearer ")
		}
		return authHeader
	}

	return r.URL.Query().Get("access_token")
}

// maskKey returns first 8 chars of a token for safe logging
func maskKey(key string) string {
	if len(key) < 8 {
		return "***"
	}
	return key[:8] + "..."
}

// writeAuthError writes an authentication failure in the standard envelope
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	respondError(w, status, code, message)
}
