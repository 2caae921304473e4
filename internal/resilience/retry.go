package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
)

// RetryConfig controls the attempt loop for one policy name.
type RetryConfig struct {
	// MaxAttempts is the total attempt count including the first call.
	MaxAttempts int

	BaseWaitDuration  time.Duration
	BackoffMultiplier float64 // >= 1.0

	// RandomizationFactor in [0, 1] jitters each wait by a uniform draw
	// from [-factor, +factor] to avoid synchronized retry storms.
	RandomizationFactor float64

	// MaxWaitDuration caps a single backoff wait. Zero means uncapped.
	MaxWaitDuration time.Duration

	// RetryIf declares which errors are worth another attempt. Retry
	// eligibility is always the caller's decision: a nil RetryIf means
	// nothing is retried.
	RetryIf func(error) bool

	// RetryOnCircuitOpen opts into retrying circuit breaker rejections.
	// By default ErrCallNotPermitted ends the loop immediately.
	RetryOnCircuitOpen bool
}

// RetryAnyError treats every error as retryable. Used as the default
// predicate for config-driven policies, where eligibility is declared by
// setting max_attempts rather than in code.
func RetryAnyError(error) bool { return true }

// runWithRetry drives attempt through the policy stack until it succeeds,
// returns a non-retryable error, or exhausts cfg.MaxAttempts. Exhaustion is
// reported as a *RetryExhaustedError wrapping the final attempt's error.
// Backoff waits are cancellable through ctx.
func runWithRetry(ctx context.Context, name string, cfg RetryConfig, logger *slog.Logger, attempt func(context.Context) (any, error)) (any, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		value, err := attempt(ctx)
		if err == nil {
			if n == 1 {
				metrics.RetryCalls.WithLabelValues(name, metrics.RetrySuccessWithoutRetry).Inc()
			} else {
				metrics.RetryCalls.WithLabelValues(name, metrics.RetrySuccessWithRetry).Inc()
			}
			return value, nil
		}
		lastErr = err

		if errors.Is(err, ErrCallNotPermitted) && !cfg.RetryOnCircuitOpen {
			return nil, err
		}
		if cfg.RetryIf == nil || !cfg.RetryIf(err) {
			return nil, err
		}
		if n == maxAttempts {
			break
		}

		wait := cfg.backoff(n)
		logger.Warn("retrying call",
			"name", name,
			"attempt", n,
			"max_attempts", maxAttempts,
			"backoff", wait,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	metrics.RetryCalls.WithLabelValues(name, metrics.RetryFailedWithRetry).Inc()
	return nil, &RetryExhaustedError{Name: name, Attempts: maxAttempts, LastErr: lastErr}
}

// backoff computes the wait before attempt n+1:
// min(base × multiplier^(n−1) × (1 + jitter), max).
func (cfg RetryConfig) backoff(attempt int) time.Duration {
	multiplier := cfg.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	wait := float64(cfg.BaseWaitDuration) * math.Pow(multiplier, float64(attempt-1))

	if f := cfg.RandomizationFactor; f > 0 {
		jitter := (rand.Float64()*2 - 1) * f
		wait *= 1 + jitter
	}

	d := time.Duration(wait)
	if cfg.MaxWaitDuration > 0 && d > cfg.MaxWaitDuration {
		d = cfg.MaxWaitDuration
	}
	if d < 0 {
		d = 0
	}
	return d
}
