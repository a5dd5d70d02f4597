package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/diag-nexus/internal/auth/throttle"
	"github.com/pysugar/diag-nexus/internal/db/models"
	"github.com/pysugar/diag-nexus/internal/logging"
	"github.com/pysugar/diag-nexus/internal/proxy/middleware"
	"github.com/pysugar/diag-nexus/internal/session"
	"github.com/pysugar/diag-nexus/internal/upstream"
)

// Authenticator performs the interactive provider login.
type Authenticator interface {
	Login(ctx context.Context, creds upstream.Credentials, meta session.Metadata) (*models.Session, bool, error)
}

// ThrottleRecorder counts throttled login attempts.
type ThrottleRecorder interface {
	LoginThrottled()
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	PortalType string `json:"portalType,omitempty"`
	UserType   string `json:"userType,omitempty"`
}

type loginResponse struct {
	APIKey    string    `json:"apiKey"`
	ExpiresAt time.Time `json:"expiresAt"`
	SessionID string    `json:"sessionId"`
	Reused    bool      `json:"reused"`
}

// LoginHandler handles POST /api/auth/login. Attempts are throttled per
// client IP and username; a successful login clears the counter.
func LoginHandler(auth Authenticator, limiter *throttle.Limiter, throttled ThrottleRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logging.FromContext(r.Context())

		var req loginRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "Invalid request body")
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		if req.Username == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "missing_credentials",
				"username and password are required")
			return
		}

		ip := middleware.ClientIP(r)
		if err := limiter.Allow(ip, req.Username); err != nil {
			var te *throttle.ThrottledError
			if errors.As(err, &te) {
				if throttled != nil {
					throttled.LoginThrottled()
				}
				setRetryAfter(w, time.Duration(te.RetryAfterSeconds)*time.Second)
				writeError(w, http.StatusTooManyRequests, "rate_limit_error", "login_throttled",
					"Too many login attempts, please try again later")
				return
			}
			writeError(w, http.StatusInternalServerError, "server_error", "internal_error", "Internal error")
			return
		}

		sess, reused, err := auth.Login(r.Context(),
			upstream.Credentials{
				Username:   req.Username,
				Password:   req.Password,
				PortalType: req.PortalType,
				UserType:   req.UserType,
			},
			session.Metadata{
				Flow:      models.FlowInteractive,
				ClientIP:  ip,
				Username:  req.Username,
				UserAgent: r.UserAgent(),
			})
		if err != nil {
			logger.Warn().Err(err).
				Str("client_ip", ip).
				Str("username", req.Username).
				Str("request_id", GetOrGenerateRequestID(r)).
				Msg("❌ Interactive login failed")
			writeLoginError(w, err)
			return
		}

		limiter.Reset(ip, req.Username)
		logger.Info().
			Str("session_id", sess.ID).
			Str("username", req.Username).
			Bool("reused", reused).
			Msg("✅ Interactive login succeeded")

		writeJSON(w, http.StatusOK, loginResponse{
			APIKey:    sess.UpstreamAPIKey,
			ExpiresAt: sess.EarliestExpiry(),
			SessionID: sess.ID,
			Reused:    reused,
		})
	}
}
