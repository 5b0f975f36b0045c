package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/openclass/nexusai-gateway/internal/api/response"
	"github.com/openclass/nexusai-gateway/internal/auth"
	"github.com/openclass/nexusai-gateway/internal/domain"
)

type userContextKey string

const UserContextKey userContextKey = "user"

// RequireSession verifies the bearer session token against C11 and
// attaches the resolved User to the request context, rejecting with 401
// otherwise.
func RequireSession(manager *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				response.WriteUnauthorized(w, "missing bearer token")
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")

			user, err := manager.Verify(r.Context(), token)
			if err != nil {
				response.WriteUnauthorized(w, "invalid or expired session")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose session user doesn't hold one of the
// allowed roles (§4.11). Must run after RequireSession.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	allowed := make(map[domain.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, _ := r.Context().Value(UserContextKey).(*domain.User)
			if user == nil || !allowed[user.Role] {
				response.WriteForbidden(w, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
