// Package breaker implements the circuit breaker that sits in front of every
// call to the diagnostics provider. Once the provider starts failing the
// breaker stops sending it traffic until a cool-down has passed.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pysugar/diag-nexus/internal/clock"
)

// State is the breaker's position in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrCircuitOpen is matched by every rejection issued while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned instead of invoking the call while the breaker is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry in %s", e.Name, e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, ErrCircuitOpen) match.
func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Settings configures the thresholds of the state machine.
type Settings struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// DefaultSettings mirrors the provider's anti-abuse tolerance.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      120 * time.Second,
	}
}

// Counts is the explicit breaker state. Transitions are pure functions of
// the current value, so the state machine can be tested without timers.
type Counts struct {
	State         State
	FailureCount  int
	SuccessCount  int
	NextAttemptAt time.Time
}

// Admit decides whether a call may proceed at now. An open breaker whose
// cool-down has elapsed moves to half-open and admits the call.
func (c Counts) Admit(now time.Time) (Counts, error) {
	if c.State != StateOpen {
		return c, nil
	}
	if now.Before(c.NextAttemptAt) {
		return c, &OpenError{RetryAfter: c.NextAttemptAt.Sub(now)}
	}
	c.State = StateHalfOpen
	c.SuccessCount = 0
	return c, nil
}

// OnSuccess records a successful call.
func (c Counts) OnSuccess(s Settings) Counts {
	switch c.State {
	case StateHalfOpen:
		c.SuccessCount++
		if c.SuccessCount >= s.SuccessThreshold {
			return Counts{State: StateClosed}
		}
	default:
		c.FailureCount = 0
	}
	return c
}

// OnFailure records a failed call at now.
func (c Counts) OnFailure(now time.Time, s Settings) Counts {
	c.FailureCount++
	switch c.State {
	case StateHalfOpen:
		c.State = StateOpen
		c.SuccessCount = 0
		c.NextAttemptAt = now.Add(s.OpenTimeout)
	case StateClosed:
		if c.FailureCount >= s.FailureThreshold {
			c.State = StateOpen
			c.NextAttemptAt = now.Add(s.OpenTimeout)
		}
	}
	return c
}

// Status is a point-in-time snapshot for diagnostics.
type Status struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	TotalRequests   int64 `json:"total_requests"`
	TotalFailures   int64 `json:"total_failures"`
	TotalRejections int64 `json:"total_rejections"`
	TotalTrips      int64 `json:"total_trips"`
}

// Breaker guards calls to a single dependency. All transitions happen under
// one mutex so it can be shared by any number of callers.
type Breaker struct {
	name     string
	settings Settings
	clock    clock.Clock

	mu     sync.Mutex
	counts Counts

	totalRequests   int64
	totalFailures   int64
	totalRejections int64
	totalTrips      int64

	onStateChange func(name string, from, to State)
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// OnStateChange registers a hook invoked after every transition. The hook
// runs outside the breaker lock.
func OnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a closed breaker. Zero-valued settings fall back to defaults.
func New(name string, s Settings, opts ...Option) *Breaker {
	def := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = def.SuccessThreshold
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = def.OpenTimeout
	}
	b := &Breaker{
		name:     name,
		settings: s,
		clock:    clock.Real(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Execute runs call unless the breaker is open. The call's error is returned
// unchanged; an open breaker returns *OpenError without invoking call.
func (b *Breaker) Execute(ctx context.Context, call func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := call(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	from := b.counts.State
	next, err := b.counts.Admit(b.clock.Now())
	if err != nil {
		b.totalRejections++
		b.mu.Unlock()
		var openErr *OpenError
		if errors.As(err, &openErr) {
			openErr.Name = b.name
		}
		return err
	}
	b.counts = next
	b.totalRequests++
	to := next.State
	b.mu.Unlock()

	b.notify(from, to)
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	from := b.counts.State
	if err != nil {
		b.totalFailures++
		b.counts = b.counts.OnFailure(b.clock.Now(), b.settings)
	} else {
		b.counts = b.counts.OnSuccess(b.settings)
	}
	to := b.counts.State
	if to == StateOpen && from != StateOpen {
		b.totalTrips++
	}
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// Counts returns a copy of the current state record.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Status returns the counters for operational visibility.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:            b.name,
		State:           b.counts.State.String(),
		FailureCount:    b.counts.FailureCount,
		SuccessCount:    b.counts.SuccessCount,
		NextAttemptAt:   b.counts.NextAttemptAt,
		TotalRequests:   b.totalRequests,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		TotalTrips:      b.totalTrips,
	}
}
