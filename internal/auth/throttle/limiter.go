// Package throttle limits interactive login attempts per (client IP,
// username) to blunt credential stuffing. It is independent of the upstream
// breaker and queue.
package throttle

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/diag-nexus/internal/clock"
	"github.com/rs/zerolog/log"
)

// ThrottledError is returned once a key has used up its attempts.
type ThrottledError struct {
	RetryAfterSeconds int
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many login attempts, retry after %ds", e.RetryAfterSeconds)
}

// Config holds the throttle settings.
type Config struct {
	MaxAttempts     int
	Window          time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig allows 3 attempts per 5 minutes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		Window:          5 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

type attempts struct {
	count       int
	windowStart time.Time
}

// Limiter tracks attempts per key in a window that opens with the first
// attempt. Rejected attempts neither count nor extend the window.
type Limiter struct {
	config Config
	clock  clock.Clock

	mu      sync.Mutex
	entries map[string]*attempts

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLimiter creates a limiter and starts its background cleanup.
func NewLimiter(config Config, clk clock.Clock) *Limiter {
	def := DefaultConfig()
	if config.MaxAttempts < 1 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = config.Window
	}
	if clk == nil {
		clk = clock.Real()
	}

	l := &Limiter{
		config:  config,
		clock:   clk,
		entries: make(map[string]*attempts),
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Stop ends the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow records an attempt for (ip, username), or rejects it with
// *ThrottledError when the key is over its limit.
func (l *Limiter) Allow(ip, username string) error {
	key := limiterKey(ip, username)
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || !now.Before(entry.windowStart.Add(l.config.Window)) {
		l.entries[key] = &attempts{count: 1, windowStart: now}
		return nil
	}

	if entry.count >= l.config.MaxAttempts {
		remaining := entry.windowStart.Add(l.config.Window).Sub(now)
		retryAfter := int(math.Ceil(remaining.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		log.Warn().
			Str("client_ip", ip).
			Str("username", username).
			Int("retry_after", retryAfter).
			Msg("🚫 Login throttled")
		return &ThrottledError{RetryAfterSeconds: retryAfter}
	}

	entry.count++
	return nil
}

// Reset forgets the attempts for (ip, username), typically after a
// successful login.
func (l *Limiter) Reset(ip, username string) {
	l.mu.Lock()
	delete(l.entries, limiterKey(ip, username))
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup drops keys whose window has elapsed.
func (l *Limiter) cleanup() {
	now := l.clock.Now()
	l.mu.Lock()
	for key, entry := range l.entries {
		if !now.Before(entry.windowStart.Add(l.config.Window)) {
			delete(l.entries, key)
		}
	}
	l.mu.Unlock()
}

func limiterKey(ip, username string) string {
	return ip + "|" + strings.ToLower(strings.TrimSpace(username))
}
