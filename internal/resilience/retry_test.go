package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("upstream unavailable")

func TestRetry_ExhaustsWithExponentialBackoff(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:         3,
		BaseWaitDuration:    100 * time.Millisecond,
		BackoffMultiplier:   2.0,
		RandomizationFactor: 0,
		RetryIf:             RetryAnyError,
	}

	var stamps []time.Time
	_, err := runWithRetry(context.Background(), "engineService", cfg, testLogger(), func(context.Context) (any, error) {
		stamps = append(stamps, time.Now())
		return nil, errFlaky
	})

	if len(stamps) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", len(stamps))
	}

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("expected Attempts=3, got %d", exhausted.Attempts)
	}
	if !errors.Is(err, errFlaky) {
		t.Fatal("expected the exhausted error to wrap the last underlying error")
	}

	if gap := stamps[1].Sub(stamps[0]); gap < 100*time.Millisecond {
		t.Fatalf("expected first backoff >= 100ms, got %s", gap)
	}
	if gap := stamps[2].Sub(stamps[1]); gap < 200*time.Millisecond {
		t.Fatalf("expected second backoff >= 200ms, got %s", gap)
	}
}

func TestRetry_SuccessStopsLoop(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseWaitDuration: time.Millisecond, BackoffMultiplier: 1, RetryIf: RetryAnyError}

	attempts := 0
	v, err := runWithRetry(context.Background(), "engineService", cfg, testLogger(), func(context.Context) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, errFlaky
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Fatalf("expected result %q, got %v", "ok", v)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       3,
		BaseWaitDuration:  time.Millisecond,
		BackoffMultiplier: 1,
		RetryIf:           func(error) bool { return false },
	}

	attempts := 0
	_, err := runWithRetry(context.Background(), "engineService", cfg, testLogger(), func(context.Context) (any, error) {
		attempts++
		return nil, errFlaky
	})

	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected the original error, got %v", err)
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatal("non-retryable errors must propagate unwrapped")
	}
}

func TestRetry_NilRetryIfRetriesNothing(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseWaitDuration: time.Millisecond, BackoffMultiplier: 1}

	attempts := 0
	_, err := runWithRetry(context.Background(), "engineService", cfg, testLogger(), func(context.Context) (any, error) {
		attempts++
		return nil, errFlaky
	})

	if attempts != 1 {
		t.Fatalf("expected 1 attempt with nil RetryIf, got %d", attempts)
	}
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected the original error, got %v", err)
	}
}

func TestRetry_CircuitOpenNotRetriedByDefault(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, BaseWaitDuration: time.Millisecond, BackoffMultiplier: 1, RetryIf: RetryAnyError}

	attempts := 0
	_, err := runWithRetry(context.Background(), "engineService", cfg, testLogger(), func(context.Context) (any, error) {
		attempts++
		return nil, ErrCallNotPermitted
	})

	if attempts != 1 {
		t.Fatalf("expected 1 attempt for circuit-open rejection, got %d", attempts)
	}
	if !errors.Is(err, ErrCallNotPermitted) {
		t.Fatalf("expected ErrCallNotPermitted, got %v", err)
	}
}

func TestRetry_CircuitOpenRetriedWhenOptedIn(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:        2,
		BaseWaitDuration:   time.Millisecond,
		BackoffMultiplier:  1,
		RetryIf:            RetryAnyError,
		RetryOnCircuitOpen: true,
	}

	attempts := 0
	_, err := runWithRetry(context.Background(), "engineService", cfg, testLogger(), func(context.Context) (any, error) {
		attempts++
		return nil, ErrCallNotPermitted
	})

	if attempts != 2 {
		t.Fatalf("expected 2 attempts with RetryOnCircuitOpen, got %d", attempts)
	}
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetryExhaustedError, got %v", err)
	}
}

func TestRetry_BackoffCappedAtMaxWait(t *testing.T) {
	cfg := RetryConfig{
		BaseWaitDuration:  100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxWaitDuration:   150 * time.Millisecond,
	}

	if got := cfg.backoff(1); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms for attempt 1, got %s", got)
	}
	if got := cfg.backoff(2); got != 150*time.Millisecond {
		t.Fatalf("expected cap of 150ms for attempt 2, got %s", got)
	}
	if got := cfg.backoff(5); got != 150*time.Millisecond {
		t.Fatalf("expected cap of 150ms for attempt 5, got %s", got)
	}
}

func TestRetry_JitterStaysWithinBounds(t *testing.T) {
	cfg := RetryConfig{
		BaseWaitDuration:    100 * time.Millisecond,
		BackoffMultiplier:   1.0,
		RandomizationFactor: 0.5,
	}

	for i := 0; i < 100; i++ {
		got := cfg.backoff(1)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered backoff %s outside [50ms, 150ms]", got)
		}
	}
}

func TestRetry_ContextCancelAbortsBackoff(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       3,
		BaseWaitDuration:  time.Second,
		BackoffMultiplier: 1,
		RetryIf:           RetryAnyError,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := runWithRetry(ctx, "engineService", cfg, testLogger(), func(context.Context) (any, error) {
		return nil, errFlaky
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("backoff wait was not cancelled promptly, took %s", elapsed)
	}
}
