package upstream

import (
	"fmt"
	"time"
)

// Kind classifies a failed upstream call for the retry policy.
type Kind string

const (
	// KindBlocked means the provider answered with its login-blocked sentinel.
	KindBlocked Kind = "blocked"
	// KindRejected is a non-retryable refusal: a 4xx other than 429, or a
	// response without the success marker.
	KindRejected Kind = "rejected"
	// KindServer covers 5xx and 429 responses.
	KindServer Kind = "server"
	// KindNetwork means no usable response arrived, including timeouts.
	KindNetwork Kind = "network"
)

// Error is returned for every unsuccessful upstream call.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same call may succeed if repeated later.
func (e *Error) Retryable() bool {
	return e.Kind != KindRejected
}
