// Package middleware holds the HTTP middleware in front of the stream endpoints: authentication,
// CORS and access logging.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"chat-notify/internal/security"
)

const bearerPrefix = "bearer "

// TokenValidator validates access tokens; implemented by *security.TokenProvider.
type TokenValidator interface {
	ValidateAccess(token string) (security.Identity, error)
}

// Auth validates the access token from the Authorization header, or from the token query
// parameter for clients such as EventSource that cannot set headers, and stores the identity in
// the request context. Requests without a valid token get 401 and never reach next.
func Auth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				WriteError(w, http.StatusUnauthorized, "missing or invalid authorization")
				return
			}
			id, err := tokens.ValidateAccess(token)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "missing or invalid authorization")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// extractToken prefers the Bearer header and falls back to ?token=.
func extractToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("Authorization")); v != "" {
		if len(v) < len(bearerPrefix) || !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
			return ""
		}
		return strings.TrimSpace(v[len(bearerPrefix):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// WriteError writes {"error": msg} with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
