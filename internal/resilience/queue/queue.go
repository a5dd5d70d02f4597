// Package queue serializes and paces outbound calls to the diagnostics
// provider. A single worker drains an ordered pending list; no two calls
// start closer together than the configured minimum spacing.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pysugar/diag-nexus/internal/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Priority orders pending calls. Higher tiers are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ErrClosed rejects calls enqueued after, or still pending at, Close.
var ErrClosed = errors.New("request queue closed")

// waitWindow is how many recent entries feed the rolling average wait.
const waitWindow = 100

// Call is a unit of work executed by the queue worker.
type Call func(ctx context.Context) error

// Options configures a Queue.
type Options struct {
	// MinSpacing is the minimum gap between the start of two calls.
	MinSpacing time.Duration
	Clock      clock.Clock
}

// Stats is exposed for diagnostics.
type Stats struct {
	Pending        int           `json:"pending"`
	Running        bool          `json:"running"`
	TotalEnqueued  int64         `json:"total_enqueued"`
	TotalProcessed int64         `json:"total_processed"`
	TotalFailed    int64         `json:"total_failed"`
	AverageWait    time.Duration `json:"average_wait"`
}

type entry struct {
	call       Call
	priority   Priority
	label      string
	attempt    int
	enqueuedAt time.Time
	future     *Future
}

// EntryOption attaches metadata to an enqueued call.
type EntryOption func(*entry)

// WithLabel names the call in logs.
func WithLabel(label string) EntryOption {
	return func(e *entry) { e.label = label }
}

// WithAttempt records which retry attempt the call belongs to.
func WithAttempt(attempt int) EntryOption {
	return func(e *entry) { e.attempt = attempt }
}

// Queue executes enqueued calls one at a time.
type Queue struct {
	clock   clock.Clock
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   []*entry
	running   bool
	closed    bool
	idle      chan struct{}
	enqueued  int64
	processed int64
	failed    int64
	waits     []time.Duration
	waitSum   time.Duration
}

// New creates an idle queue. The worker starts on the first Enqueue.
func New(opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	limit := rate.Inf
	if opts.MinSpacing > 0 {
		limit = rate.Every(opts.MinSpacing)
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		clock:   opts.Clock,
		limiter: rate.NewLimiter(limit, 1),
		ctx:     ctx,
		cancel:  cancel,
		idle:    idle,
	}
}

// Enqueue adds call to the pending list and returns its completion handle.
// High priority calls go ahead of every pending lower-tier call; within a
// tier calls keep FIFO order. A call already executing is never preempted.
func (q *Queue) Enqueue(call Call, priority Priority, opts ...EntryOption) *Future {
	f := newFuture()
	e := &entry{
		call:       call,
		priority:   priority,
		enqueuedAt: q.clock.Now(),
		future:     f,
	}
	for _, opt := range opts {
		opt(e)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.resolve(ErrClosed)
		return f
	}
	q.insertLocked(e)
	q.enqueued++
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	q.mu.Unlock()
	return f
}

func (q *Queue) insertLocked(e *entry) {
	pos := len(q.pending)
	for i := len(q.pending) - 1; i >= 0; i-- {
		if q.pending[i].priority >= e.priority {
			break
		}
		pos = i
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[pos+1:], q.pending[pos:])
	q.pending[pos] = e
}

// drain is the single worker. It exits once the pending list is empty and
// is restarted by the next Enqueue.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.closed {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.pace(); err != nil {
			e.future.resolve(ErrClosed)
			continue
		}

		q.execute(e)
	}
}

// pace blocks until the limiter allows the next start, measured on the
// queue's clock.
func (q *Queue) pace() error {
	now := q.clock.Now()
	r := q.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-q.clock.After(delay):
		return nil
	case <-q.ctx.Done():
		r.CancelAt(q.clock.Now())
		return q.ctx.Err()
	}
}

func (q *Queue) execute(e *entry) {
	started := q.clock.Now()
	wait := started.Sub(e.enqueuedAt)

	err := q.invoke(e)

	q.mu.Lock()
	q.processed++
	if err != nil {
		q.failed++
	}
	q.recordWaitLocked(wait)
	q.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).
			Str("label", e.label).
			Int("attempt", e.attempt).
			Str("priority", e.priority.String()).
			Dur("wait", wait).
			Msg("queued call failed")
	}
	e.future.resolve(err)
}

func (q *Queue) invoke(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queued call %q panicked: %v", e.label, r)
		}
	}()
	return e.call(q.ctx)
}

func (q *Queue) recordWaitLocked(wait time.Duration) {
	q.waits = append(q.waits, wait)
	q.waitSum += wait
	if len(q.waits) > waitWindow {
		q.waitSum -= q.waits[0]
		q.waits = q.waits[1:]
	}
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var avg time.Duration
	if n := len(q.waits); n > 0 {
		avg = q.waitSum / time.Duration(n)
	}
	return Stats{
		Pending:        len(q.pending),
		Running:        q.running,
		TotalEnqueued:  q.enqueued,
		TotalProcessed: q.processed,
		TotalFailed:    q.failed,
		AverageWait:    avg,
	}
}

// Close rejects every pending call and stops accepting new ones. A call
// that is already executing is allowed to finish; Close waits for it.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		idle := q.idle
		q.mu.Unlock()
		<-idle
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	idle := q.idle
	q.mu.Unlock()

	for _, e := range pending {
		e.future.resolve(ErrClosed)
	}
	q.cancel()
	<-idle
}
