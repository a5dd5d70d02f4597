package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminAuth protects operational endpoints with the admin password, given
// either as HTTP basic auth or as a bearer token. An empty password leaves
// the endpoints open (first-run scenario).
func AdminAuth(password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}

			if _, pass, ok := r.BasicAuth(); ok && secureEqual(pass, password) {
				next.ServeHTTP(w, r)
				return
			}

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				if secureEqual(strings.TrimPrefix(authHeader, "Bearer "), password) {
					next.ServeHTTP(w, r)
					return
				}
			}

			w.Header().Set("WWW-Authenticate", `Basic realm="diag-nexus"`)
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid_admin_credentials", "Invalid admin credentials")
		})
	}
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
