package common

import (
	"crypto/subtle"
	"net/http"
)

// AdminTokenHeader authenticates administrative calls.
const AdminTokenHeader = "X-Admin-Token"

// RequireAdmin rejects requests whose admin token does not match token. An
// empty token disables every guarded route.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin token required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
