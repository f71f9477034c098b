package executor

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is wrapped into the error returned when the remote side kept
// rate limiting the operation until attempts ran out.
var ErrRateLimited = errors.New("executor: rate limited")

// RateLimitError is returned when local admission rejects a call. The
// operation was not attempted.
type RateLimitError struct {
	Identifier string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("executor: %s: rate limit exceeded, retry after %s", e.Identifier, e.RetryAfter)
}

// CircuitOpenError is returned while the breaker for an identifier is open.
// The operation was not attempted.
type CircuitOpenError struct {
	Identifier string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("executor: %s: circuit open, retry after %s", e.Identifier, e.RetryAfter)
}

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "executor: permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the executor surfaces it without retrying.
// A nil err yields nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return err
	}
	return &PermanentError{Err: err}
}

// RateLimitedError is returned by operations when the remote side asked the
// caller to slow down. RetryAfter is the server-provided delay, zero if none.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited by remote (retry after %s)", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by remote (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// TransientError is returned when a retriable failure persisted through all attempts.
type TransientError struct {
	Identifier string
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("executor: %s: failed after %d attempts: %v", e.Identifier, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsCircuitOpen reports whether err is a *CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var c *CircuitOpenError
	return errors.As(err, &c)
}

// IsRateLimit reports whether err came from local admission or remote rate limiting.
func IsRateLimit(err error) bool {
	var r *RateLimitError
	return errors.As(err, &r) || errors.Is(err, ErrRateLimited)
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
