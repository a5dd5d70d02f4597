package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pysugar/diag-nexus/internal/clock"
	"github.com/stretchr/testify/require"
)

func waitAll(t *testing.T, futures ...*Future) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range futures {
		select {
		case <-f.Done():
		case <-ctx.Done():
			t.Fatal("timed out waiting for queued call")
		}
	}
}

func TestQueue_ResolvesWithCallOutcome(t *testing.T) {
	q := New(Options{})
	defer q.Close()

	boom := errors.New("boom")
	ok := q.Enqueue(func(context.Context) error { return nil }, PriorityNormal)
	bad := q.Enqueue(func(context.Context) error { return boom }, PriorityNormal)

	require.NoError(t, ok.Wait(context.Background()))
	require.ErrorIs(t, bad.Wait(context.Background()), boom)

	stats := q.Stats()
	require.EqualValues(t, 2, stats.TotalProcessed)
	require.EqualValues(t, 1, stats.TotalFailed)
}

func TestQueue_MinSpacingBetweenStarts(t *testing.T) {
	const spacing = 2 * time.Second
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := New(Options{MinSpacing: spacing, Clock: clk})
	defer q.Close()

	var mu sync.Mutex
	var starts []time.Time
	record := func(context.Context) error {
		mu.Lock()
		starts = append(starts, clk.Now())
		mu.Unlock()
		return nil
	}

	futures := []*Future{
		q.Enqueue(record, PriorityNormal),
		q.Enqueue(record, PriorityNormal),
		q.Enqueue(record, PriorityNormal),
	}

	for i := 0; i < 2; i++ {
		clk.WaitForTimers(1)
		clk.Advance(spacing)
	}
	waitAll(t, futures...)

	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		require.Equal(t, spacing, starts[i].Sub(starts[i-1]), "gap %d", i)
	}
}

func TestQueue_MinSpacingHoldsNextCall(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q := New(Options{MinSpacing: time.Second, Clock: clk})
	defer q.Close()

	require.NoError(t, q.Enqueue(func(context.Context) error { return nil }, PriorityNormal).Wait(context.Background()))

	second := q.Enqueue(func(context.Context) error { return nil }, PriorityNormal)
	clk.WaitForTimers(1)
	clk.Advance(999 * time.Millisecond)
	select {
	case <-second.Done():
		t.Fatal("second call started before the spacing elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(time.Millisecond)
	waitAll(t, second)
	require.NoError(t, second.Err())
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := New(Options{})
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	var mu sync.Mutex
	var order []string
	record := func(name string) Call {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	blocker := q.Enqueue(func(context.Context) error {
		close(started)
		<-release
		return nil
	}, PriorityNormal)
	<-started

	futures := []*Future{
		q.Enqueue(record("low-1"), PriorityLow),
		q.Enqueue(record("normal-1"), PriorityNormal),
		q.Enqueue(record("normal-2"), PriorityNormal),
		q.Enqueue(record("high-1"), PriorityHigh),
		q.Enqueue(record("high-2"), PriorityHigh),
		q.Enqueue(record("low-2"), PriorityLow),
	}
	require.Equal(t, 6, q.Stats().Pending)

	close(release)
	waitAll(t, append(futures, blocker)...)

	require.Equal(t, []string{"high-1", "high-2", "normal-1", "normal-2", "low-1", "low-2"}, order)
}

func TestQueue_SerializesExecution(t *testing.T) {
	q := New(Options{})
	defer q.Close()

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	call := func(context.Context) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	futures := make([]*Future, 20)
	for i := range futures {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = q.Enqueue(call, PriorityNormal)
		}(i)
	}
	wg.Wait()
	waitAll(t, futures...)

	require.Equal(t, 1, maxInFlight)
	require.EqualValues(t, 20, q.Stats().TotalProcessed)
}

func TestQueue_WorkerRestartsAfterIdle(t *testing.T) {
	q := New(Options{})
	defer q.Close()

	require.NoError(t, q.Enqueue(func(context.Context) error { return nil }, PriorityNormal).Wait(context.Background()))
	require.Eventually(t, func() bool { return !q.Stats().Running }, time.Second, time.Millisecond)

	require.NoError(t, q.Enqueue(func(context.Context) error { return nil }, PriorityHigh).Wait(context.Background()))
	require.EqualValues(t, 2, q.Stats().TotalProcessed)
}

func TestQueue_CallerDeadlineDoesNotCancelCall(t *testing.T) {
	q := New(Options{})
	defer q.Close()

	release := make(chan struct{})
	ran := make(chan struct{})
	f := q.Enqueue(func(context.Context) error {
		<-release
		close(ran)
		return nil
	}, PriorityNormal)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.Wait(ctx), context.DeadlineExceeded)

	close(release)
	<-ran
	waitAll(t, f)
	require.NoError(t, f.Err())
}

func TestQueue_PanicIsRejected(t *testing.T) {
	q := New(Options{})
	defer q.Close()

	f := q.Enqueue(func(context.Context) error { panic("kaboom") }, PriorityNormal, WithLabel("login"))
	err := f.Wait(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")
}

func TestQueue_CloseRejectsPending(t *testing.T) {
	q := New(Options{})

	release := make(chan struct{})
	started := make(chan struct{})
	running := q.Enqueue(func(context.Context) error {
		close(started)
		<-release
		return nil
	}, PriorityNormal)
	<-started
	pending := q.Enqueue(func(context.Context) error { return nil }, PriorityNormal)

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()

	require.ErrorIs(t, pending.Wait(context.Background()), ErrClosed)
	close(release)
	<-closed
	require.NoError(t, running.Err())

	require.ErrorIs(t, q.Enqueue(func(context.Context) error { return nil }, PriorityHigh).Err(), ErrClosed)
}

func TestQueue_AverageWait(t *testing.T) {
	q := New(Options{})
	defer q.Close()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(func(context.Context) error { return nil }, PriorityNormal).Wait(context.Background()))
	}
	require.GreaterOrEqual(t, q.Stats().AverageWait, time.Duration(0))
}
