package notify

import (
	"errors"
	"time"
)

var (
	ErrStopped   = errors.New("dispatcher stopped")
	ErrQueueFull = errors.New("dispatcher queue full")
)

// noRetryError marks a send failure as permanent (invalid target, rejected
// content, configuration error). It bypasses the retry budget entirely.
type noRetryError struct{ err error }

func (e noRetryError) Error() string { return e.err.Error() }
func (e noRetryError) Unwrap() error { return e.err }

// NoRetry wraps err so the retry manager treats it as non-retryable.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err was marked non-retryable.
func IsNoRetry(err error) bool {
	var nr noRetryError
	return errors.As(err, &nr)
}

// retryAfterError carries an explicit retry-after hint from a sender
// (e.g. a provider's throttle response).
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return e.err.Error() }
func (e retryAfterError) Unwrap() error { return e.err }

// RetryAfter wraps err with a hint for when the send may be retried.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: after}
}

func retryAfterHint(err error) (time.Duration, bool) {
	var ra retryAfterError
	if errors.As(err, &ra) {
		return ra.after, true
	}
	return 0, false
}
