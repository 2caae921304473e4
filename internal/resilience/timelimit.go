package resilience

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
)

// Operation is a protected call. The orchestrator is agnostic to its
// nature; it only sees the result or the error.
type Operation func(ctx context.Context) (any, error)

// runWithTimeout executes op under a deadline. If the deadline elapses first
// the caller receives ErrCallTimedOut and the operation goroutine is
// ABANDONED: op observes the cancelled context and cooperative operations
// stop, but nothing here guarantees the underlying work does. The result
// channel is buffered so an abandoned operation finishes and exits instead
// of leaking blocked.
//
// Panics inside op are recovered and surfaced as a *PanicError; a panic in
// the spawned goroutine would otherwise take down the process.
func runWithTimeout(ctx context.Context, name string, timeout time.Duration, op Operation) (any, error) {
	if timeout <= 0 {
		return invoke(ctx, op)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resCh := make(chan result, 1)

	go func() {
		v, err := invoke(opCtx, op)
		resCh <- result{value: v, err: err}
	}()

	select {
	case r := <-resCh:
		return r.value, r.err
	case <-opCtx.Done():
		if err := ctx.Err(); err != nil {
			// The caller's own context ended; surface that, not a
			// policy timeout.
			return nil, err
		}
		metrics.CallTimeouts.WithLabelValues(name).Inc()
		return nil, ErrCallTimedOut
	}
}

// invoke runs op converting panics into errors.
func invoke(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			value = nil
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return op(ctx)
}
