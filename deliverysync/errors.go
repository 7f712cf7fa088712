package deliverysync

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for the remote phase. The client maps HTTP outcomes onto
// these; everything above it branches with errors.Is/errors.As, never on
// status codes.
var (
	// ErrAuth means the partner rejected the credential. The remote phase
	// stops quietly; local data stays authoritative.
	ErrAuth = errors.New("delivery partner: authentication rejected")

	// ErrNotConnected means no connected partner for the business. Not a
	// failure: the engine runs in local-only mode.
	ErrNotConnected = errors.New("delivery partner: not connected")

	// ErrConfirmInProgress means another confirmation for the same invoice
	// holds the cross-instance lock.
	ErrConfirmInProgress = errors.New("receipt confirmation already in progress")
)

// RateLimitError is returned on HTTP 429. RetryAfter is zero when the
// partner sent no hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("delivery partner: rate limited (retry after %s)", e.RetryAfter)
	}
	return "delivery partner: rate limited"
}

// TransientError covers network failures and 5xx responses: worth retrying
// on a later cycle, never worth surfacing to the UI.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery partner: transient failure: %v", e.Err)
	}
	return fmt.Sprintf("delivery partner: transient failure (status %d)", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

func errorCode(err error) string {
	switch {
	case IsAuthError(err):
		return "auth_failed"
	default:
		if _, ok := IsRateLimitError(err); ok {
			return "rate_limited"
		}
		return "transient"
	}
}

func isRetryable(err error) bool {
	return !IsAuthError(err)
}
