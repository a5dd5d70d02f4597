package throttle

import (
	"errors"
	"testing"
	"time"

	"github.com/pysugar/diag-nexus/internal/clock"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	l := NewLimiter(Config{MaxAttempts: 3, Window: 5 * time.Minute, CleanupInterval: time.Hour}, clk)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiter_AllowsUpToMaxAttempts(t *testing.T) {
	l, clk := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("10.0.0.1", "alice"))
		clk.Advance(10 * time.Second)
	}

	err := l.Allow("10.0.0.1", "alice")
	var throttled *ThrottledError
	require.True(t, errors.As(err, &throttled))
	require.Equal(t, 270, throttled.RetryAfterSeconds)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("10.0.0.1", "alice"))
	}
	require.Error(t, l.Allow("10.0.0.1", "alice"))
	require.Error(t, l.Allow("10.0.0.1", "ALICE"))

	require.NoError(t, l.Allow("10.0.0.2", "alice"))
	require.NoError(t, l.Allow("10.0.0.1", "bob"))
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	l, clk := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("10.0.0.1", "alice"))
	}
	clk.Advance(4 * time.Minute)
	require.Error(t, l.Allow("10.0.0.1", "alice"))

	// Rejections do not push the window out.
	clk.Advance(time.Minute)
	require.NoError(t, l.Allow("10.0.0.1", "alice"))
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("10.0.0.1", "alice"))
	}
	l.Reset("10.0.0.1", "alice")
	require.NoError(t, l.Allow("10.0.0.1", "alice"))
}

func TestLimiter_CleanupDropsExpiredKeys(t *testing.T) {
	l, clk := newTestLimiter(t)

	require.NoError(t, l.Allow("10.0.0.1", "alice"))
	clk.Advance(time.Minute)
	require.NoError(t, l.Allow("10.0.0.2", "bob"))
	require.Equal(t, 2, l.Len())

	clk.Advance(4 * time.Minute)
	l.cleanup()
	require.Equal(t, 1, l.Len())
}
