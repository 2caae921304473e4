package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
	"github.com/dskow/resilience-core/internal/observe"
)

// Orchestrator is the single entry point for protected execution. Each
// attempt runs the fixed policy order: rate limiter → bulkhead → circuit
// breaker → time limiter → operation, with the outcome recorded back into
// the breaker and the bulkhead slot released on every exit path.
//
// The order is a design decision, not an accident: an open or overloaded
// dependency is rejected before it consumes capacity. Reordering changes
// observable behavior and is a breaking change.
type Orchestrator struct {
	registry   *Registry
	logger     *slog.Logger
	dispatcher *observe.Dispatcher
}

// NewOrchestrator creates an orchestrator over the given registry.
// dispatcher may be nil to disable outcome events.
func NewOrchestrator(registry *Registry, logger *slog.Logger, dispatcher *observe.Dispatcher) *Orchestrator {
	return &Orchestrator{
		registry:   registry,
		logger:     logger,
		dispatcher: dispatcher,
	}
}

// Execute runs op under the policy set registered for name. When a retry
// policy with more than one attempt is configured, every retry re-enters
// the whole stack: each attempt consumes a fresh rate-limit permit and
// bulkhead slot, so repeated failures cannot starve unrelated callers of
// capacity. The first policy to reject short-circuits the rest of the
// stack, and that specific rejection is what the retry loop classifies.
func (o *Orchestrator) Execute(ctx context.Context, name string, op Operation) (any, error) {
	p := o.registry.policyFor(name)

	if p.cfg.Retry == nil || p.cfg.Retry.MaxAttempts <= 1 {
		return o.attempt(ctx, p, op)
	}
	return runWithRetry(ctx, name, *p.cfg.Retry, o.logger, func(ctx context.Context) (any, error) {
		return o.attempt(ctx, p, op)
	})
}

// Do is a typed wrapper around Execute.
func Do[T any](ctx context.Context, o *Orchestrator, name string, op func(context.Context) (T, error)) (T, error) {
	v, err := o.Execute(ctx, name, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil || v == nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (o *Orchestrator) attempt(ctx context.Context, p *policy, op Operation) (any, error) {
	if p.limiter != nil && !p.limiter.Acquire(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrRequestNotPermitted
	}

	if p.bulkhead != nil {
		if !p.bulkhead.Acquire(ctx) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, ErrBulkheadFull
		}
		defer p.bulkhead.Release()
	}

	if p.breaker != nil && !p.breaker.Allow() {
		return nil, ErrCallNotPermitted
	}

	start := time.Now()
	value, err := runWithTimeout(ctx, p.name, p.timeout(), op)
	elapsed := time.Since(start)

	if p.breaker != nil {
		p.breaker.RecordOutcome(err != nil, elapsed)
	}
	o.report(p, err, elapsed)

	return value, err
}

// report publishes the outcome to metrics and the observer dispatcher.
// Neither blocks the call path.
func (o *Orchestrator) report(p *policy, err error, elapsed time.Duration) {
	outcome := classify(p, err, elapsed)
	metrics.CallDuration.WithLabelValues(p.name, outcome.String()).Observe(elapsed.Seconds())
	if o.dispatcher != nil {
		o.dispatcher.Outcome(p.name, outcome, elapsed)
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		o.logger.Error("panic recovered in protected operation",
			"name", p.name,
			"error", pe.Value,
			"stack", string(pe.Stack),
		)
	}
}

func classify(p *policy, err error, elapsed time.Duration) observe.Outcome {
	slow := false
	if p.cfg.Breaker != nil {
		t := p.cfg.Breaker.SlowCallDurationThreshold
		slow = t > 0 && elapsed >= t
	}
	switch {
	case err == nil && slow:
		return observe.SlowSuccess
	case err == nil:
		return observe.Success
	case slow:
		return observe.SlowFailure
	default:
		return observe.Failure
	}
}
