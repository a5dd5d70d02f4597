// Package metrics exposes Prometheus metrics for the breaker, the queue,
// refreshes, gate decisions and login throttling.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pysugar/diag-nexus/internal/resilience/breaker"
	"github.com/pysugar/diag-nexus/internal/resilience/queue"
)

// Gate decisions.
const (
	DecisionAdmitted    = "admitted"
	DecisionRepaired    = "repaired"
	DecisionMissing     = "missing"
	DecisionUnknown     = "unknown"
	DecisionExpired     = "expired"
	DecisionCircuitOpen = "circuit_open"
)

// Collector is the Prometheus implementation of every recorder interface in
// the service.
type Collector struct {
	reg prometheus.Registerer

	breakerTransitions *prometheus.CounterVec
	refreshes          *prometheus.CounterVec
	refreshDuration    *prometheus.HistogramVec
	refreshAttempts    *prometheus.CounterVec
	gateDecisions      *prometheus.CounterVec
	loginThrottled     prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg: reg,
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"breaker", "from", "to"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_refresh_total",
			Help: "Upstream login outcomes by flow.",
		}, []string{"flow", "outcome"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_refresh_duration_seconds",
			Help:    "Time from first login attempt to final outcome, including backoff.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"flow"}),
		refreshAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_refresh_attempts_total",
			Help: "Upstream login attempts, retries included.",
		}, []string{"flow"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_gate_decisions_total",
			Help: "Session gate admissions and rejections.",
		}, []string{"decision"}),
		loginThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_login_throttled_total",
			Help: "Interactive logins rejected by the per-IP throttle.",
		}),
	}

	reg.MustRegister(
		c.breakerTransitions,
		c.refreshes,
		c.refreshDuration,
		c.refreshAttempts,
		c.gateDecisions,
		c.loginThrottled,
	)
	return c
}

// BreakerTransition records a state change. It matches the breaker's
// OnStateChange hook.
func (c *Collector) BreakerTransition(name string, from, to breaker.State) {
	c.breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

// ObserveRefresh records the final outcome of a login sequence.
func (c *Collector) ObserveRefresh(flow, outcome string, attempts int, elapsed time.Duration) {
	c.refreshes.WithLabelValues(flow, outcome).Inc()
	c.refreshDuration.WithLabelValues(flow).Observe(elapsed.Seconds())
	c.refreshAttempts.WithLabelValues(flow).Add(float64(attempts))
}

// GateDecision records one gate outcome.
func (c *Collector) GateDecision(decision string) {
	c.gateDecisions.WithLabelValues(decision).Inc()
}

// LoginThrottled records a throttled login attempt.
func (c *Collector) LoginThrottled() {
	c.loginThrottled.Inc()
}

// WatchBreaker exports b's live status.
func (c *Collector) WatchBreaker(b *breaker.Breaker) {
	labels := prometheus.Labels{"breaker": b.Name()}
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "nexus_breaker_state",
			Help:        "Breaker state: 0 closed, 1 open, 2 half-open.",
			ConstLabels: labels,
		}, func() float64 { return float64(b.Counts().State) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "nexus_breaker_failure_count",
			Help:        "Consecutive failures recorded by the breaker.",
			ConstLabels: labels,
		}, func() float64 { return float64(b.Counts().FailureCount) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "nexus_breaker_rejections_total",
			Help:        "Calls rejected while the breaker was open.",
			ConstLabels: labels,
		}, func() float64 { return float64(b.Status().TotalRejections) }),
	)
}

// WatchQueue exports q's live statistics.
func (c *Collector) WatchQueue(q *queue.Queue) {
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "nexus_queue_pending",
			Help: "Calls waiting in the upstream queue.",
		}, func() float64 { return float64(q.Stats().Pending) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "nexus_queue_processed_total",
			Help: "Calls executed by the upstream queue.",
		}, func() float64 { return float64(q.Stats().TotalProcessed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "nexus_queue_failed_total",
			Help: "Queued calls that returned an error.",
		}, func() float64 { return float64(q.Stats().TotalFailed) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "nexus_queue_average_wait_seconds",
			Help: "Rolling average time calls spent waiting in the queue.",
		}, func() float64 { return q.Stats().AverageWait.Seconds() }),
	)
}

// Handler returns the HTTP handler for Prometheus scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
