package resilience

import (
	"errors"
	"fmt"
)

// Sentinel errors for policy rejections. Callers classify with errors.Is;
// the orchestrator always surfaces the most specific failure and never
// swallows the wrapped operation's own error.
var (
	// ErrCallNotPermitted is returned when the circuit breaker is open.
	ErrCallNotPermitted = errors.New("call not permitted: circuit breaker is open")

	// ErrRequestNotPermitted is returned when the rate limiter granted no
	// permit within its timeout.
	ErrRequestNotPermitted = errors.New("request not permitted: rate limit exhausted")

	// ErrBulkheadFull is returned when no concurrency slot freed up within
	// the bulkhead's maximum wait.
	ErrBulkheadFull = errors.New("bulkhead full: concurrency limit reached")

	// ErrCallTimedOut is returned when the time limiter deadline elapsed
	// before the operation completed.
	ErrCallTimedOut = errors.New("call timed out")
)

// RetryExhaustedError reports that every configured attempt failed. It wraps
// the final attempt's error.
type RetryExhaustedError struct {
	Name     string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for %q after %d attempts: %v", e.Name, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// PanicError wraps a panic recovered from a protected operation so it
// surfaces to the caller as an ordinary error instead of crashing the
// process from the time limiter's goroutine.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

// ErrorCode returns a stable machine-readable classification for err.
// These codes form a public contract for admin responses and logs; do not
// rename existing codes.
func ErrorCode(err error) string {
	var re *RetryExhaustedError
	switch {
	case err == nil:
		return "OK"
	case errors.As(err, &re):
		return "RETRY_EXHAUSTED"
	case errors.Is(err, ErrCallNotPermitted):
		return "CALL_NOT_PERMITTED"
	case errors.Is(err, ErrRequestNotPermitted):
		return "REQUEST_NOT_PERMITTED"
	case errors.Is(err, ErrBulkheadFull):
		return "BULKHEAD_FULL"
	case errors.Is(err, ErrCallTimedOut):
		return "CALL_TIMED_OUT"
	default:
		return "OPERATION_ERROR"
	}
}
