package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cerberus-defense/cerberus/internal/auth"
)

// RequireAuth guards mutating endpoints. It accepts either a bearer token
// or an X-API-Key; when minRole is auth.RoleAdmin, API keys and service
// tokens are rejected with 403. An authenticator with nothing configured
// lets everything through, which is the development default.
func RequireAuth(a *auth.Authenticator, minRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			if key := r.Header.Get("X-API-Key"); key != "" {
				if !a.VerifyAPIKey(key) {
					deny(w, http.StatusUnauthorized, "invalid api key")
					return
				}
				if minRole == auth.RoleAdmin {
					deny(w, http.StatusForbidden, "admin token required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				deny(w, http.StatusUnauthorized, "missing credentials")
				return
			}
			claims, err := a.VerifyToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				deny(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if minRole == auth.RoleAdmin && claims.Role != auth.RoleAdmin {
				deny(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
