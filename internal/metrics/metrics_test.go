package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pysugar/diag-nexus/internal/resilience/breaker"
	"github.com/pysugar/diag-nexus/internal/resilience/queue"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveRefresh("service", "success", 1, 2*time.Second)
	c.ObserveRefresh("service", "blocked", 3, 15*time.Second)
	c.GateDecision(DecisionAdmitted)
	c.GateDecision(DecisionAdmitted)
	c.GateDecision(DecisionRepaired)
	c.LoginThrottled()

	require.Equal(t, 1.0, testutil.ToFloat64(c.refreshes.WithLabelValues("service", "blocked")))
	require.Equal(t, 4.0, testutil.ToFloat64(c.refreshAttempts.WithLabelValues("service")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.gateDecisions.WithLabelValues(DecisionAdmitted)))
	require.Equal(t, 1.0, testutil.ToFloat64(c.loginThrottled))
}

func TestCollector_BreakerHookAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	b := breaker.New("upstream", breaker.Settings{FailureThreshold: 1, SuccessThreshold: 1, OpenTimeout: time.Minute},
		breaker.OnStateChange(c.BreakerTransition))
	c.WatchBreaker(b)

	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("down") })

	require.Equal(t, 1.0, testutil.ToFloat64(c.breakerTransitions.WithLabelValues("upstream", "closed", "open")))

	expected := `
# HELP nexus_breaker_state Breaker state: 0 closed, 1 open, 2 half-open.
# TYPE nexus_breaker_state gauge
nexus_breaker_state{breaker="upstream"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "nexus_breaker_state"))
}

func TestCollector_QueueGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	q := queue.New(queue.Options{})
	defer q.Close()
	c.WatchQueue(q)

	require.NoError(t, q.Enqueue(func(context.Context) error { return nil }, queue.PriorityNormal).Wait(context.Background()))

	expected := `
# HELP nexus_queue_processed_total Calls executed by the upstream queue.
# TYPE nexus_queue_processed_total counter
nexus_queue_processed_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "nexus_queue_processed_total"))
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.LoginThrottled()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "nexus_login_throttled_total 1")
}
