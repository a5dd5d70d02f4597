// Package handlers holds the HTTP handlers mounted by cmd/nexus.
package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/pysugar/diag-nexus/internal/auth/token"
	"github.com/pysugar/diag-nexus/internal/logging"
	"github.com/pysugar/diag-nexus/internal/resilience/breaker"
	"github.com/pysugar/diag-nexus/internal/resilience/queue"
)

// GetOrGenerateRequestID returns the request ID assigned by
// logging.RequestLogger, then the client's X-Request-ID, then a new one.
func GetOrGenerateRequestID(r *http.Request) string {
	if id := logging.GetRequestID(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(logging.RequestIDHeader); id != "" {
		return id
	}
	return "nexus-" + logging.GenerateRequestID()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// writeUnavailable handles the policy rejections shared by every handler
// that reaches the provider. It reports false when err is not one of them.
func writeUnavailable(w http.ResponseWriter, err error) bool {
	var openErr *breaker.OpenError
	switch {
	case errors.As(err, &openErr):
		setRetryAfter(w, openErr.RetryAfter)
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "circuit_open",
			"The diagnostics provider is temporarily unavailable, please try again shortly")
	case errors.Is(err, breaker.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "circuit_open",
			"The diagnostics provider is temporarily unavailable, please try again shortly")
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "server_error", "shutting_down", "Server is shutting down")
	default:
		return false
	}
	return true
}

// writeLoginError maps a login or refresh failure to a stable response.
// Provider messages are never passed through.
func writeLoginError(w http.ResponseWriter, err error) {
	if writeUnavailable(w, err) {
		return
	}

	var failed *token.RefreshFailedError
	switch {
	case errors.Is(err, token.ErrNoServiceCredentials):
		writeError(w, http.StatusConflict, "invalid_request_error", "no_service_credentials",
			"No service credentials are configured")
	case errors.As(err, &failed):
		switch failed.Kind {
		case token.FailureUpstream4xx:
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid_credentials",
				"The provider rejected the credentials")
		case token.FailureBlocked:
			writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "login_blocked",
				"The provider is temporarily blocking logins, please try again later")
		default:
			writeError(w, http.StatusBadGateway, "upstream_error", "upstream_unavailable",
				"The diagnostics provider could not be reached")
		}
	default:
		writeError(w, http.StatusInternalServerError, "server_error", "internal_error", "Internal error")
	}
}

func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
