package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/diag-nexus/internal/clock"
	"github.com/pysugar/diag-nexus/internal/db"
	"github.com/pysugar/diag-nexus/internal/db/models"
	"github.com/pysugar/diag-nexus/internal/resilience/breaker"
	"github.com/pysugar/diag-nexus/internal/resilience/queue"
	"github.com/pysugar/diag-nexus/internal/session"
	"github.com/pysugar/diag-nexus/internal/upstream"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeProvider answers logins from a script; once the script is exhausted
// every login succeeds with a fresh key.
type fakeProvider struct {
	clk *clock.FakeClock

	mu     sync.Mutex
	script []error
	calls  []time.Time
	gate   chan struct{}
	issued atomic.Int64
}

func (p *fakeProvider) Login(ctx context.Context, creds upstream.Credentials) (*upstream.LoginResult, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	p.calls = append(p.calls, p.clk.Now())
	var err error
	if len(p.script) > 0 {
		err, p.script = p.script[0], p.script[1:]
	}
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	n := p.issued.Add(1)
	exp := p.clk.Now().Add(3 * time.Hour).Unix()
	return &upstream.LoginResult{
		Response:    upstream.SuccessMarker,
		APIKey:      fmt.Sprintf("K%d", n),
		AccessToken: fmt.Sprintf("T%d", n),
		RespID:      fmt.Sprintf("R%d", n),
		Exp:         json.RawMessage(strconv.FormatInt(exp, 10)),
	}, nil
}

func (p *fakeProvider) callTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.calls...)
}

type harness struct {
	manager  *Manager
	store    *session.Store
	breaker  *breaker.Breaker
	clock    *clock.FakeClock
	provider *fakeProvider
}

func newHarness(t *testing.T, script ...error) *harness {
	t.Helper()
	gdb, err := db.InitDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)

	clk := clock.Fake(epoch)
	store := session.NewStore(gdb, clk, 24*time.Hour)
	br := breaker.New("upstream-login", breaker.DefaultSettings(), breaker.WithClock(clk))
	q := queue.New(queue.Options{Clock: clk})
	t.Cleanup(q.Close)

	provider := &fakeProvider{clk: clk, script: script}
	mgr := NewManager(Options{
		Store:   store,
		Client:  provider,
		Breaker: br,
		Queue:   q,
		Clock:   clk,
		ServiceCredentials: upstream.Credentials{
			Username: "svc", Password: "pw", PortalType: "admin", UserType: "admin",
		},
		ServiceAdminID: "service",
		Location:       time.UTC,
		MaxRetries:     2,
		BaseDelay:      5 * time.Second,
		Lookahead:      time.Hour,
	})
	return &harness{manager: mgr, store: store, breaker: br, clock: clk, provider: provider}
}

func blocked() error {
	return &upstream.Error{Kind: upstream.KindBlocked, StatusCode: 200, Message: "Login blocked"}
}

func TestRefresh_Success(t *testing.T) {
	h := newHarness(t)

	sess, err := h.manager.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "K1", sess.UpstreamAPIKey)
	require.Equal(t, models.FlowService, sess.Flow)
	require.Equal(t, "service", sess.AdminID)
	require.True(t, sess.AccessTokenExpiresAt.Equal(epoch.Add(3*time.Hour)))
	require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), sess.APIKeyExpiresAt)

	got, err := h.store.FindValidByKey(context.Background(), "K1")
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)
}

func TestRefresh_BlockedThreeTimesFails(t *testing.T) {
	h := newHarness(t, blocked(), blocked(), blocked())

	type outcome struct {
		sess *models.Session
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		sess, err := h.manager.Refresh(context.Background())
		done <- outcome{sess, err}
	}()

	h.clock.WaitForTimers(1)
	h.clock.Advance(5 * time.Second)
	h.clock.WaitForTimers(1)
	h.clock.Advance(10 * time.Second)

	var res outcome
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not finish")
	}

	var failed *RefreshFailedError
	require.ErrorAs(t, res.err, &failed)
	require.Equal(t, FailureBlocked, failed.Kind)
	require.Equal(t, 3, failed.Attempts)
	require.Nil(t, res.sess)

	calls := h.provider.callTimes()
	require.Len(t, calls, 3)
	require.Equal(t, 5*time.Second, calls[1].Sub(calls[0]))
	require.Equal(t, 10*time.Second, calls[2].Sub(calls[1]))

	require.Equal(t, 3, h.breaker.Counts().FailureCount)
	require.Equal(t, breaker.StateOpen, h.breaker.Counts().State)
}

func TestRefresh_RejectedIsNotRetried(t *testing.T) {
	h := newHarness(t, &upstream.Error{Kind: upstream.KindRejected, StatusCode: 401, Message: "Invalid password"})

	_, err := h.manager.Refresh(context.Background())
	var failed *RefreshFailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, FailureUpstream4xx, failed.Kind)
	require.Equal(t, 1, failed.Attempts)
	require.Equal(t, "Invalid password", failed.Message)
	require.Len(t, h.provider.callTimes(), 1)
}

func TestLogin_RefusedPasswordsDoNotTripBreaker(t *testing.T) {
	refused := &upstream.Error{Kind: upstream.KindRejected, StatusCode: 401, Message: "Invalid password"}
	h := newHarness(t, refused, refused, refused, refused)

	for i := 0; i < 4; i++ {
		_, _, err := h.manager.Login(context.Background(),
			upstream.Credentials{Username: fmt.Sprintf("guess%d", i), Password: "nope"},
			session.Metadata{ClientIP: "203.0.113.7"})
		var failed *RefreshFailedError
		require.ErrorAs(t, err, &failed)
		require.Equal(t, FailureUpstream4xx, failed.Kind)
	}

	counts := h.breaker.Counts()
	require.Equal(t, breaker.StateClosed, counts.State)
	require.Zero(t, counts.FailureCount)

	// The service refresh still reaches the provider.
	sess, err := h.manager.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "K1", sess.UpstreamAPIKey)
}

func TestRefresh_RecoversAfterTransientFailure(t *testing.T) {
	h := newHarness(t, &upstream.Error{Kind: upstream.KindServer, StatusCode: 503, RetryAfter: 30 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := h.manager.Refresh(context.Background())
		done <- err
	}()

	// Retry-After exceeds the 5s base delay.
	h.clock.WaitForTimers(1)
	h.clock.Advance(29 * time.Second)
	require.Equal(t, 1, h.clock.PendingCount())
	h.clock.Advance(time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not finish")
	}
	require.Len(t, h.provider.callTimes(), 2)
	require.Equal(t, 0, h.breaker.Counts().FailureCount)
}

func TestRefresh_NetworkExhausted(t *testing.T) {
	netErr := &upstream.Error{Kind: upstream.KindNetwork, Err: errors.New("connection refused")}
	h := newHarness(t, netErr, netErr, netErr)

	done := make(chan error, 1)
	go func() {
		_, err := h.manager.Refresh(context.Background())
		done <- err
	}()
	h.clock.WaitForTimers(1)
	h.clock.Advance(5 * time.Second)
	h.clock.WaitForTimers(1)
	h.clock.Advance(10 * time.Second)

	var failed *RefreshFailedError
	require.ErrorAs(t, <-done, &failed)
	require.Equal(t, FailureNetworkExhausted, failed.Kind)
}

func TestRefresh_CircuitOpenFailsFast(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		_ = h.breaker.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	}

	_, err := h.manager.Refresh(context.Background())
	require.ErrorIs(t, err, breaker.ErrCircuitOpen)
	require.Empty(t, h.provider.callTimes())
}

func TestRefresh_NoServiceCredentials(t *testing.T) {
	h := newHarness(t)
	h.manager.serviceCreds = upstream.Credentials{}

	_, err := h.manager.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoServiceCredentials)
}

func TestRefresh_ConcurrentCallersCoalesce(t *testing.T) {
	h := newHarness(t)
	h.provider.gate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	keys := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := h.manager.Refresh(context.Background())
			errs[i] = err
			if err == nil {
				keys[i] = sess.UpstreamAPIKey
			}
		}(i)
	}

	// Let every caller reach the single flight before the login returns.
	time.Sleep(50 * time.Millisecond)
	close(h.provider.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "K1", keys[i])
	}
	require.Len(t, h.provider.callTimes(), 1)
}

func TestRefresh_CallerDeadlineDoesNotAbortRefresh(t *testing.T) {
	h := newHarness(t)
	h.provider.gate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.manager.Refresh(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(h.provider.gate)
	require.Eventually(t, func() bool {
		_, err := h.store.FindValidByKey(context.Background(), "K1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGetOrRefresh_Lookahead(t *testing.T) {
	tests := []struct {
		name        string
		expiresIn   time.Duration
		wantRefresh bool
	}{
		{"inside lookahead", 30 * time.Minute, true},
		{"outside lookahead", 3 * time.Hour, false},
		{"already expired", -time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			_, err := h.store.CreateAndSupersede(ctx, session.Credentials{
				APIKey:               "EXISTING",
				AccessToken:          "T0",
				APIKeyExpiresAt:      epoch.Add(12 * time.Hour),
				AccessTokenExpiresAt: epoch.Add(tt.expiresIn),
			}, session.Metadata{AdminID: "service", Flow: models.FlowService})
			require.NoError(t, err)

			key, err := h.manager.GetOrRefresh(ctx)
			require.NoError(t, err)

			if tt.wantRefresh {
				require.Equal(t, "K1", key)
				require.Len(t, h.provider.callTimes(), 1)
			} else {
				require.Equal(t, "EXISTING", key)
				require.Empty(t, h.provider.callTimes())
			}
		})
	}
}

func TestEnsure_KeepsValidSessionWhenPreemptiveRefreshFails(t *testing.T) {
	h := newHarness(t, &upstream.Error{Kind: upstream.KindRejected, StatusCode: 403, Message: "Forbidden"})
	ctx := context.Background()
	_, err := h.store.CreateAndSupersede(ctx, session.Credentials{
		APIKey:               "EXISTING",
		APIKeyExpiresAt:      epoch.Add(12 * time.Hour),
		AccessTokenExpiresAt: epoch.Add(30 * time.Minute),
	}, session.Metadata{AdminID: "service", Flow: models.FlowService})
	require.NoError(t, err)

	sess, err := h.manager.Ensure(ctx)
	require.NoError(t, err)
	require.Equal(t, "EXISTING", sess.UpstreamAPIKey)
}

func TestToken_CarriesAPIKey(t *testing.T) {
	h := newHarness(t)

	tok, err := h.manager.Token()
	require.NoError(t, err)
	require.Equal(t, "T1", tok.AccessToken)
	require.Equal(t, "Bearer", tok.TokenType)
	require.Equal(t, "K1", tok.Extra(upstream.APIKeyExtra))
}

func TestLogin_InteractiveReuseSameIP(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creds := upstream.Credentials{Username: "alice", Password: "pw"}

	first, reused, err := h.manager.Login(ctx, creds, session.Metadata{ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	require.False(t, reused)
	require.Equal(t, models.FlowInteractive, first.Flow)
	require.Equal(t, "alice", first.AdminID)

	again, reused, err := h.manager.Login(ctx, creds, session.Metadata{ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	require.True(t, reused)
	require.Equal(t, first.ID, again.ID)

	other, reused, err := h.manager.Login(ctx, creds, session.Metadata{ClientIP: "10.0.0.2"})
	require.NoError(t, err)
	require.False(t, reused)
	require.NotEqual(t, first.UpstreamAPIKey, other.UpstreamAPIKey)

	// Both IPs keep a valid session, and the service flow is untouched.
	_, err = h.store.FindValidByKey(ctx, first.UpstreamAPIKey)
	require.NoError(t, err)
	_, err = h.store.FindMostRecentActive(ctx)
	require.ErrorIs(t, err, session.ErrNotFound)
	require.Len(t, h.provider.callTimes(), 2)
}

func TestBackoff(t *testing.T) {
	m := &Manager{baseDelay: 5 * time.Second}
	require.Equal(t, 5*time.Second, m.backoff(1, 0))
	require.Equal(t, 10*time.Second, m.backoff(2, 0))
	require.Equal(t, 20*time.Second, m.backoff(3, 0))
	require.Equal(t, time.Minute, m.backoff(1, time.Minute))
}
