package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const InternalAPIKeyHeader = "X-Internal-API-Key"

// InternalAPIKey guards relay endpoints with a shared secret. An empty key is
// a deployment error and every request is refused with 500.
func InternalAPIKey(key string) func(http.Handler) http.Handler {
	key = strings.TrimSpace(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "Server misconfigured",
					"code":  "API_KEY_NOT_CONFIGURED",
				})
				return
			}
			if !secretEqual(r.Header.Get(InternalAPIKeyHeader), key) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OperatorToken guards the operator API with a bearer token. The operator
// surface is optional, so an empty token answers 503.
func OperatorToken(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "operator api is not configured"})
				return
			}
			if !secretEqual(bearerToken(r.Header.Get("Authorization")), token) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(headerValue string) string {
	headerValue = strings.TrimSpace(headerValue)
	const prefix = "Bearer "
	if len(headerValue) < len(prefix) || !strings.EqualFold(headerValue[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(headerValue[len(prefix):])
}

func secretEqual(got, want string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
