package token

import (
	"errors"
	"fmt"
)

// ErrNoServiceCredentials is returned by Refresh when no service account is
// configured.
var ErrNoServiceCredentials = errors.New("no service credentials configured")

// FailureKind classifies a refresh that gave up.
type FailureKind string

const (
	FailureBlocked              FailureKind = "blocked"
	FailureUpstream4xx          FailureKind = "upstream-4xx"
	FailureUpstream5xxExhausted FailureKind = "upstream-5xx-exhausted"
	FailureNetworkExhausted     FailureKind = "network-exhausted"
)

// RefreshFailedError is returned once a refresh stops retrying.
type RefreshFailedError struct {
	Kind     FailureKind
	Attempts int
	Message  string
	Err      error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("refresh failed (%s) after %d attempt(s): %s", e.Kind, e.Attempts, e.Message)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }
