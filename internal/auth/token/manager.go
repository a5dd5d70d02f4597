// Package token owns the upstream credential lifecycle: logging in through
// the queue and breaker, retrying transient failures, and keeping the
// service session fresh ahead of its expiry.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pysugar/diag-nexus/internal/clock"
	"github.com/pysugar/diag-nexus/internal/db/models"
	"github.com/pysugar/diag-nexus/internal/resilience/breaker"
	"github.com/pysugar/diag-nexus/internal/resilience/queue"
	"github.com/pysugar/diag-nexus/internal/session"
	"github.com/pysugar/diag-nexus/internal/upstream"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const serviceFlightKey = "service"

// Loginer performs the provider login call.
type Loginer interface {
	Login(ctx context.Context, creds upstream.Credentials) (*upstream.LoginResult, error)
}

// MetricsRecorder receives refresh outcomes.
type MetricsRecorder interface {
	ObserveRefresh(flow, outcome string, attempts int, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRefresh(string, string, int, time.Duration) {}

// Options wires a Manager.
type Options struct {
	Store   *session.Store
	Client  Loginer
	Breaker *breaker.Breaker
	Queue   *queue.Queue
	Clock   clock.Clock
	Metrics MetricsRecorder

	ServiceCredentials upstream.Credentials
	ServiceAdminID     string
	// Location is the provider's timezone; api keys expire at its midnight.
	Location *time.Location

	MaxRetries int
	BaseDelay  time.Duration
	Lookahead  time.Duration
}

// Manager handles session lifecycle including preemptive refresh.
type Manager struct {
	store   *session.Store
	client  Loginer
	breaker *breaker.Breaker
	queue   *queue.Queue
	clock   clock.Clock
	metrics MetricsRecorder

	serviceCreds   upstream.Credentials
	serviceAdminID string
	loc            *time.Location

	maxRetries int
	baseDelay  time.Duration
	lookahead  time.Duration

	group singleflight.Group
}

// NewManager creates a manager. Store, Client, Breaker and Queue are
// required.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ServiceAdminID == "" {
		opts.ServiceAdminID = models.FlowService
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Manager{
		store:          opts.Store,
		client:         opts.Client,
		breaker:        opts.Breaker,
		queue:          opts.Queue,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		serviceCreds:   opts.ServiceCredentials,
		serviceAdminID: opts.ServiceAdminID,
		loc:            opts.Location,
		maxRetries:     opts.MaxRetries,
		baseDelay:      opts.BaseDelay,
		lookahead:      opts.Lookahead,
	}
}

// HasServiceCredentials reports whether Refresh can log in at all.
func (m *Manager) HasServiceCredentials() bool {
	return m.serviceCreds.Username != "" && m.serviceCreds.Password != ""
}

// Refresh logs the service account in and supersedes the previous service
// session. Concurrent callers share a single in-flight refresh. A caller
// whose ctx ends stops waiting; the refresh itself carries on.
func (m *Manager) Refresh(ctx context.Context) (*models.Session, error) {
	return m.refresh(ctx, queue.PriorityNormal)
}

func (m *Manager) refresh(ctx context.Context, priority queue.Priority) (*models.Session, error) {
	if !m.HasServiceCredentials() {
		return nil, ErrNoServiceCredentials
	}

	ch := m.group.DoChan(serviceFlightKey, func() (any, error) {
		meta := session.Metadata{
			AdminID:  m.serviceAdminID,
			Flow:     models.FlowService,
			Username: m.serviceCreds.Username,
		}
		return m.loginWithRetry(context.WithoutCancel(ctx), m.serviceCreds, meta, priority)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug().Msg("joined in-flight service refresh")
		}
		sess := *res.Val.(*models.Session)
		return &sess, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ensure returns the current service session, refreshing it first when it
// is missing, invalid, or expires within the lookahead window. If a
// preemptive refresh fails while the current session is still valid, the
// current session is returned.
func (m *Manager) Ensure(ctx context.Context) (*models.Session, error) {
	current, err := m.store.FindMostRecentActive(ctx)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("load service session: %w", err)
	}

	now := m.clock.Now()
	if current != nil && current.IsValidAt(now) && current.EarliestExpiry().Sub(now) > m.lookahead {
		return current, nil
	}

	refreshed, err := m.Refresh(ctx)
	if err != nil {
		if current != nil && current.IsValidAt(m.clock.Now()) {
			log.Warn().Err(err).
				Str("session_id", current.ID).
				Time("expires_at", current.EarliestExpiry()).
				Msg("⚠️ Preemptive refresh failed, keeping current session")
			return current, nil
		}
		return nil, err
	}
	return refreshed, nil
}

// GetOrRefresh returns a usable service api key.
func (m *Manager) GetOrRefresh(ctx context.Context) (string, error) {
	sess, err := m.Ensure(ctx)
	if err != nil {
		return "", err
	}
	return sess.UpstreamAPIKey, nil
}

// Token implements oauth2.TokenSource over the service session. A refresh
// goes through the queue, so Token must not be called from a queued call.
func (m *Manager) Token() (*oauth2.Token, error) {
	sess, err := m.Ensure(context.Background())
	if err != nil {
		return nil, err
	}
	return SessionToken(sess), nil
}

// SessionToken exposes sess as an oauth2 token whose extra data carries the
// provider api key.
func SessionToken(sess *models.Session) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken: sess.UpstreamAccessToken,
		TokenType:   "Bearer",
		Expiry:      sess.AccessTokenExpiresAt,
	}
	return tok.WithExtra(map[string]any{
		upstream.APIKeyExtra: sess.UpstreamAPIKey,
		"session_id":         sess.ID,
	})
}

// Login is the interactive flow. A still-valid session for the same admin
// on the same client IP is handed back without calling the provider;
// otherwise the login goes through the same queue, breaker and retry
// pipeline as Refresh. The bool result reports reuse.
func (m *Manager) Login(ctx context.Context, creds upstream.Credentials, meta session.Metadata) (*models.Session, bool, error) {
	meta.Flow = models.FlowInteractive
	if meta.AdminID == "" {
		meta.AdminID = creds.Username
	}
	if meta.Username == "" {
		meta.Username = creds.Username
	}
	if creds.PortalType == "" {
		creds.PortalType = m.serviceCreds.PortalType
	}
	if creds.UserType == "" {
		creds.UserType = m.serviceCreds.UserType
	}

	existing, err := m.store.FindReusable(ctx, meta.AdminID, meta.ClientIP)
	switch {
	case err == nil:
		log.Info().
			Str("session_id", existing.ID).
			Str("admin_id", meta.AdminID).
			Msg("♻️ Reusing interactive session for same client IP")
		return existing, true, nil
	case !errors.Is(err, session.ErrNotFound):
		return nil, false, fmt.Errorf("look up reusable session: %w", err)
	}

	sess, err := m.loginWithRetry(ctx, creds, meta, queue.PriorityHigh)
	if err != nil {
		return nil, false, err
	}
	return sess, false, nil
}

func (m *Manager) loginWithRetry(ctx context.Context, creds upstream.Credentials, meta session.Metadata, priority queue.Priority) (*models.Session, error) {
	started := m.clock.Now()
	maxAttempts := m.maxRetries + 1

	var lastErr *upstream.Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := m.attempt(ctx, creds, attempt, priority)
		if err == nil {
			issued := upstream.IssuedCredentials(result, m.clock.Now(), m.loc)
			sess, err := m.store.CreateAndSupersede(ctx, session.Credentials{
				APIKey:               issued.APIKey,
				AccessToken:          issued.AccessToken,
				RespID:               issued.RespID,
				APIKeyExpiresAt:      issued.APIKeyExpiresAt,
				AccessTokenExpiresAt: issued.AccessTokenExpiresAt,
			}, meta)
			if err != nil {
				m.observe(meta.Flow, "store_error", attempt, started)
				return nil, fmt.Errorf("persist refreshed session: %w", err)
			}
			m.observe(meta.Flow, "success", attempt, started)
			return sess, nil
		}

		if errors.Is(err, breaker.ErrCircuitOpen) {
			m.observe(meta.Flow, "circuit_open", attempt, started)
			return nil, err
		}

		var upErr *upstream.Error
		if !errors.As(err, &upErr) {
			m.observe(meta.Flow, "error", attempt, started)
			return nil, err
		}
		lastErr = upErr

		if !upErr.Retryable() {
			m.observe(meta.Flow, string(FailureUpstream4xx), attempt, started)
			return nil, &RefreshFailedError{
				Kind:     FailureUpstream4xx,
				Attempts: attempt,
				Message:  upErr.Message,
				Err:      upErr,
			}
		}
		if attempt == maxAttempts {
			break
		}

		delay := m.backoff(attempt, upErr.RetryAfter)
		log.Warn().
			Str("flow", meta.Flow).
			Str("kind", string(upErr.Kind)).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", delay).
			Msg("⏳ Upstream login failed, backing off")

		select {
		case <-m.clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	failure := &RefreshFailedError{
		Kind:     exhaustedKind(lastErr.Kind),
		Attempts: maxAttempts,
		Message:  lastErr.Message,
		Err:      lastErr,
	}
	m.observe(meta.Flow, string(failure.Kind), maxAttempts, started)
	log.Error().Err(failure).Str("flow", meta.Flow).Msg("❌ Upstream login retries exhausted")
	return nil, failure
}

// attempt runs one login through the breaker, inside the queue. A refused
// credential is the caller's problem, not the provider's, so it is carried
// out of the breaker instead of counting as a failure.
func (m *Manager) attempt(ctx context.Context, creds upstream.Credentials, attempt int, priority queue.Priority) (*upstream.LoginResult, error) {
	var result *upstream.LoginResult
	var refused error
	future := m.queue.Enqueue(func(qctx context.Context) error {
		return m.breaker.Execute(qctx, func(cctx context.Context) error {
			r, err := m.client.Login(cctx, creds)
			var upErr *upstream.Error
			if errors.As(err, &upErr) && !upErr.Retryable() {
				refused = err
				return nil
			}
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	}, priority, queue.WithLabel("login"), queue.WithAttempt(attempt))

	if err := future.Wait(ctx); err != nil {
		return nil, err
	}
	if refused != nil {
		return nil, refused
	}
	return result, nil
}

// backoff is baseDelay·2^(attempt-1), or the provider's hint if longer.
func (m *Manager) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := m.baseDelay << (attempt - 1)
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func (m *Manager) observe(flow, outcome string, attempts int, started time.Time) {
	m.metrics.ObserveRefresh(flow, outcome, attempts, m.clock.Now().Sub(started))
}

func exhaustedKind(kind upstream.Kind) FailureKind {
	switch kind {
	case upstream.KindBlocked:
		return FailureBlocked
	case upstream.KindNetwork:
		return FailureNetworkExhausted
	default:
		return FailureUpstream5xxExhausted
	}
}

// StartRefreshLoop starts background preemptive refresh of the service
// session.
func (m *Manager) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if !m.HasServiceCredentials() {
		log.Info().Msg("Service credentials not configured, refresh loop disabled")
		return
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshIfDue(ctx)
			}
		}
	}()
	log.Info().Dur("interval", interval).Msg("🔄 Session refresh loop started")
}

func (m *Manager) refreshIfDue(ctx context.Context) {
	current, err := m.store.FindMostRecentActive(ctx)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Warn().Err(err).Msg("⚠️ Failed to load service session")
		return
	}
	now := m.clock.Now()
	if current != nil && current.IsValidAt(now) && current.EarliestExpiry().Sub(now) > m.lookahead {
		return
	}
	if _, err := m.refresh(ctx, queue.PriorityLow); err != nil {
		log.Warn().Err(err).Msg("⚠️ Background refresh failed")
	}
}
