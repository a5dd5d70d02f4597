package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pysugar/diag-nexus/internal/db/models"
	"github.com/pysugar/diag-nexus/internal/logging"
	"github.com/pysugar/diag-nexus/internal/proxy/middleware"
)

// Refresher forces a new service session.
type Refresher interface {
	Refresh(ctx context.Context) (*models.Session, error)
}

type sessionView struct {
	ID                   string    `json:"id"`
	AdminID              string    `json:"adminId"`
	Flow                 string    `json:"flow"`
	ClientIP             string    `json:"clientIp,omitempty"`
	Username             string    `json:"username,omitempty"`
	APIKey               string    `json:"apiKey"`
	APIKeyExpiresAt      time.Time `json:"apiKeyExpiresAt"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
	SessionExpiresAt     time.Time `json:"sessionExpiresAt"`
	RequestCount         int64     `json:"requestCount"`
	LastUsedAt           time.Time `json:"lastUsedAt"`
	CreatedAt            time.Time `json:"createdAt"`
}

func viewOf(sess *models.Session) sessionView {
	return sessionView{
		ID:                   sess.ID,
		AdminID:              sess.AdminID,
		Flow:                 sess.Flow,
		ClientIP:             sess.ClientIP,
		Username:             sess.Username,
		APIKey:               logging.MaskKey(sess.UpstreamAPIKey),
		APIKeyExpiresAt:      sess.APIKeyExpiresAt,
		AccessTokenExpiresAt: sess.AccessTokenExpiresAt,
		SessionExpiresAt:     sess.SessionExpiresAt,
		RequestCount:         sess.RequestCount,
		LastUsedAt:           sess.LastUsedAt,
		CreatedAt:            sess.CreatedAt,
	}
}

// SessionHandler returns the session admitted by the gate, with its key masked.
func SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := middleware.SessionFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing_session", "No session")
			return
		}
		writeJSON(w, http.StatusOK, viewOf(sess))
	}
}

// RefreshHandler triggers a service session refresh and hands the new key
// back to the caller.
func RefreshHandler(refresher Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sess, err := refresher.Refresh(r.Context())
		if err != nil {
			logging.FromContext(r.Context()).Warn().Err(err).Msg("❌ Manual refresh failed")
			writeLoginError(w, err)
			return
		}

		w.Header().Set(middleware.NewAPIKeyHeader, sess.UpstreamAPIKey)
		w.Header().Add("Access-Control-Expose-Headers", middleware.NewAPIKeyHeader)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"apiKey":    sess.UpstreamAPIKey,
			"expiresAt": sess.EarliestExpiry(),
			"sessionId": sess.ID,
		})
	}
}
