package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pysugar/diag-nexus/internal/proxy/monitor"
	"github.com/pysugar/diag-nexus/internal/resilience/breaker"
	"github.com/pysugar/diag-nexus/internal/resilience/queue"
	"github.com/pysugar/diag-nexus/internal/session"
	"github.com/pysugar/diag-nexus/internal/version"
)

// HealthHandler is the liveness check.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
		})
	}
}

// StatusHandler reports breaker, queue, session and audit state.
func StatusHandler(br *breaker.Breaker, q *queue.Queue, store *session.Store, am *monitor.AuditMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, err := store.CountActive(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", "internal_error", "Failed to count sessions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":  version.Version,
			"commit":   version.Commit,
			"breaker":  br.Status(),
			"queue":    q.Stats(),
			"sessions": active,
			"audit":    am.Stats(),
		})
	}
}

// AuditLogsHandler returns the most recent audit records.
func AuditLogsHandler(am *monitor.AuditMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs := am.Recent(parseLimit(r, 100, 1000))
		writeJSON(w, http.StatusOK, map[string]any{
			"logs":    logs,
			"count":   len(logs),
			"enabled": am.IsEnabled(),
		})
	}
}

// ClearAuditLogsHandler clears all audit records
func ClearAuditLogsHandler(am *monitor.AuditMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := am.Clear(); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", "internal_error", "Failed to clear audit logs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ToggleAuditHandler enables or disables audit recording.
func ToggleAuditHandler(am *monitor.AuditMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "Invalid request body")
			return
		}
		am.SetEnabled(req.Enabled)
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": am.IsEnabled()})
	}
}
