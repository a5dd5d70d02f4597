package queue

import (
	"context"
	"sync"
)

// Future is the completion handle of an enqueued call.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the call has run or been rejected.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the outcome. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the call completes or ctx ends. Giving up on ctx does
// not cancel the call; it still runs and its result is discarded.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
