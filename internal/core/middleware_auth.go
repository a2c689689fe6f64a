package core

import (
	"context"
	"net/http"
	"strings"

	"fincoach/internal/types"
)

// Authenticator resolves a bearer token to a user ID. The production
// implementation verifies tokens against the identity service; tests
// inject stubs.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (userID string, err error)
}

// authPublicPaths are exempt from authentication. The webhook endpoint
// authenticates by signature instead; its prefix is matched separately.
var authPublicPaths = map[string]bool{
	"/health":   true,
	"/v1/plans": true,
}

// AuthMiddleware extracts the Bearer token, resolves it to a user ID,
// and injects the ID into the request context. A nil Authenticator
// (tests without auth) passes through.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}
		if authPublicPaths[r.URL.Path] || strings.HasPrefix(r.URL.Path, "/webhooks/") {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing,
				"Authorization header is required", nil))
			return
		}
		token := extractBearerToken(authHeader)
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing,
				"Bearer token is required", nil))
			return
		}

		userID, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			Error(w, r, err)
			return
		}
		if userID == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid,
				"invalid authentication token", nil))
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithUserID(r.Context(), userID)))
	})
}

// extractBearerToken parses "Bearer <token>" (scheme case-insensitive
// per RFC 7235). Returns "" on any other shape.
func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
