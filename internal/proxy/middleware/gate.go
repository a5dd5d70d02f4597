// Package middleware holds the HTTP middleware in front of the API: the
// session gate that admits callers by upstream api key, and admin auth for
// operational endpoints.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/diag-nexus/internal/db/models"
	"github.com/pysugar/diag-nexus/internal/logging"
	"github.com/pysugar/diag-nexus/internal/metrics"
	"github.com/pysugar/diag-nexus/internal/resilience/breaker"
	"github.com/pysugar/diag-nexus/internal/session"
)

const (
	// APIKeyHeader carries the presented credential.
	APIKeyHeader = "x-api-key"
	// NewAPIKeyHeader hands a repaired credential back to the caller.
	NewAPIKeyHeader = "X-New-Api-Key"

	maxCredentialBody = 1 << 20
)

var (
	ErrMissingCredential = errors.New("missing api key")
	ErrUnknownCredential = errors.New("unknown api key")
	ErrSessionExpired    = errors.New("session expired, please re-authenticate")
)

// SessionStore is the part of the session store the gate reads and writes.
type SessionStore interface {
	FindValidByKey(ctx context.Context, key string) (*models.Session, error)
	FindByKey(ctx context.Context, key string) (*models.Session, error)
	TouchUsage(ctx context.Context, sess *models.Session) error
}

// Repairer produces a valid service session, refreshing if needed.
type Repairer interface {
	Ensure(ctx context.Context) (*models.Session, error)
}

// DecisionRecorder counts gate outcomes.
type DecisionRecorder interface {
	GateDecision(decision string)
}

// AuditSink receives one record per gated request.
type AuditSink interface {
	Record(entry models.AuditLog)
}

type nopDecisions struct{}

func (nopDecisions) GateDecision(string) {}

// Admission is the result of a successful Authenticate.
type Admission struct {
	Session  *models.Session
	NewKey   string
	Repaired bool
	// CallerAdminID is the identity the presented credential belonged to.
	// After a repair it may differ from Session.AdminID.
	CallerAdminID string
}

// SessionGate admits callers that present a valid upstream api key, and
// repairs a known but expired one by refreshing the service session.
type SessionGate struct {
	store     SessionStore
	repairer  Repairer
	decisions DecisionRecorder
}

// NewSessionGate creates a gate. decisions may be nil.
func NewSessionGate(store SessionStore, repairer Repairer, decisions DecisionRecorder) *SessionGate {
	if decisions == nil {
		decisions = nopDecisions{}
	}
	return &SessionGate{store: store, repairer: repairer, decisions: decisions}
}

// Authenticate resolves credential to a valid session. An unknown
// credential is rejected without touching the provider; a known but
// invalid one triggers a repair, and the repaired session's key is
// returned in Admission.NewKey when it differs.
func (g *SessionGate) Authenticate(ctx context.Context, credential string) (*Admission, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		g.decisions.GateDecision(metrics.DecisionMissing)
		return nil, ErrMissingCredential
	}

	sess, err := g.store.FindValidByKey(ctx, credential)
	switch {
	case err == nil:
		g.touch(ctx, sess)
		g.decisions.GateDecision(metrics.DecisionAdmitted)
		return &Admission{Session: sess, CallerAdminID: sess.AdminID}, nil
	case !errors.Is(err, session.ErrNotFound):
		return nil, fmt.Errorf("look up session: %w", err)
	}

	known, err := g.store.FindByKey(ctx, credential)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			g.decisions.GateDecision(metrics.DecisionUnknown)
			return nil, ErrUnknownCredential
		}
		return nil, fmt.Errorf("look up session: %w", err)
	}

	logger := logging.FromContext(ctx)
	logger.Info().
		Str("session_id", known.ID).
		Str("admin_id", known.AdminID).
		Str("key", logging.MaskKey(credential)).
		Msg("🔧 Presented session is no longer valid, repairing")

	repaired, err := g.repairer.Ensure(ctx)
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			g.decisions.GateDecision(metrics.DecisionCircuitOpen)
		} else {
			g.decisions.GateDecision(metrics.DecisionExpired)
		}
		logger.Warn().Err(err).Str("session_id", known.ID).Msg("❌ Session repair failed")
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	fresh, err := g.store.FindValidByKey(ctx, repaired.UpstreamAPIKey)
	if err != nil {
		g.decisions.GateDecision(metrics.DecisionExpired)
		return nil, fmt.Errorf("%w: re-resolve repaired session: %w", ErrSessionExpired, err)
	}
	g.touch(ctx, fresh)
	g.decisions.GateDecision(metrics.DecisionRepaired)

	adm := &Admission{Session: fresh, Repaired: true, CallerAdminID: known.AdminID}
	if fresh.UpstreamAPIKey != credential {
		adm.NewKey = fresh.UpstreamAPIKey
	}
	if known.AdminID != fresh.AdminID {
		logger.Warn().
			Str("caller_admin_id", known.AdminID).
			Str("caller_flow", known.Flow).
			Str("session_admin_id", fresh.AdminID).
			Str("session_id", fresh.ID).
			Msg("🔀 Repaired onto a session owned by another identity")
	}
	logger.Info().
		Str("session_id", fresh.ID).
		Str("new_key", logging.MaskKey(fresh.UpstreamAPIKey)).
		Msg("✅ Session repaired")
	return adm, nil
}

func (g *SessionGate) touch(ctx context.Context, sess *models.Session) {
	if err := g.store.TouchUsage(ctx, sess); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("session_id", sess.ID).Msg("⚠️ Failed to record session usage")
	}
}

type sessionKey struct{}

// WithSession attaches sess to ctx.
func WithSession(ctx context.Context, sess *models.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the session admitted by SessionAuth.
func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*models.Session)
	return sess, ok && sess != nil
}

// SessionAuth is the chi middleware around SessionGate. The credential is
// read from the x-api-key header or, failing that, from an apiKey field in
// a JSON body, which is restored for the handler. Every request, admitted
// or not, is handed to audit once the response is written.
func SessionAuth(gate *SessionGate, audit AuditSink) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := models.AuditLog{
				RequestID: logging.GetRequestID(r.Context()),
				Method:    r.Method,
				Endpoint:  r.URL.Path,
				ClientIP:  ClientIP(r),
			}

			credential := credentialFromRequest(r)
			adm, err := gate.Authenticate(r.Context(), credential)
			if err != nil {
				status := writeGateError(w, err)
				entry.Status = status
				entry.Outcome = outcomeFor(err)
				entry.Error = err.Error()
				entry.Duration = time.Since(start).Milliseconds()
				recordAudit(r.Context(), audit, entry)
				return
			}

			if adm.NewKey != "" {
				w.Header().Set(NewAPIKeyHeader, adm.NewKey)
				w.Header().Add("Access-Control-Expose-Headers", NewAPIKeyHeader)
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithSession(r.Context(), adm.Session)))

			entry.AdminID = adm.CallerAdminID
			entry.SessionID = adm.Session.ID
			entry.Repaired = adm.Repaired
			entry.Status = ww.Status()
			if entry.Status == 0 {
				entry.Status = http.StatusOK
			}
			entry.Outcome = metrics.DecisionAdmitted
			if adm.Repaired {
				entry.Outcome = metrics.DecisionRepaired
			}
			entry.Duration = time.Since(start).Milliseconds()
			recordAudit(r.Context(), audit, entry)
		})
	}
}

func credentialFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt != "application/json" {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCredentialBody))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var payload struct {
		APIKey any `json:"apiKey"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	key, ok := payload.APIKey.(string)
	if !ok {
		return ""
	}
	return key
}

func writeGateError(w http.ResponseWriter, err error) int {
	var openErr *breaker.OpenError
	switch {
	case errors.As(err, &openErr):
		secs := int(math.Ceil(openErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "circuit_open",
			"The diagnostics provider is temporarily unavailable, please try again shortly")
		return http.StatusServiceUnavailable
	case errors.Is(err, breaker.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "circuit_open",
			"The diagnostics provider is temporarily unavailable, please try again shortly")
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrMissingCredential):
		writeError(w, http.StatusUnauthorized, "authentication_error", "missing_api_key", "API key required")
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnknownCredential):
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid_api_key", "Invalid API key")
		return http.StatusUnauthorized
	case errors.Is(err, ErrSessionExpired):
		writeError(w, http.StatusUnauthorized, "authentication_error", "session_expired", "Session expired, please log in again")
		return http.StatusUnauthorized
	default:
		writeError(w, http.StatusInternalServerError, "server_error", "internal_error", "Internal error")
		return http.StatusInternalServerError
	}
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return metrics.DecisionCircuitOpen
	case errors.Is(err, ErrMissingCredential):
		return metrics.DecisionMissing
	case errors.Is(err, ErrUnknownCredential):
		return metrics.DecisionUnknown
	case errors.Is(err, ErrSessionExpired):
		return metrics.DecisionExpired
	default:
		return "error"
	}
}

// recordAudit never lets the sink fail the request.
func recordAudit(ctx context.Context, audit AuditSink, entry models.AuditLog) {
	if audit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error().Interface("panic", r).Msg("audit sink panicked")
		}
	}()
	audit.Record(entry)
}

// ClientIP returns the caller address without its port. Run chi's RealIP
// middleware first to honour proxy headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}
