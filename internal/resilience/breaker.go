// Package resilience implements the policy stack protecting calls to
// unreliable dependencies: circuit breaking over a sliding window, bounded
// concurrency, per-call deadlines, and retries with jittered exponential
// backoff, composed per policy name by the orchestrator.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; limited trial calls test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker thresholds for one policy name.
// Rate thresholds are percentages in (0, 100].
type BreakerConfig struct {
	FailureRateThreshold float64

	// SlowCallDurationThreshold marks calls at or above this latency as
	// slow. Zero disables slow-call tracking.
	SlowCallDurationThreshold time.Duration
	SlowCallRateThreshold     float64

	// MinimumNumberOfCalls is the sample count required before rates are
	// evaluated at all.
	MinimumNumberOfCalls int

	// SlidingWindowSize is the outcome capacity (count-based) or the
	// window length in seconds (time-based).
	SlidingWindowSize int
	SlidingWindowType WindowType

	WaitDurationInOpenState       time.Duration
	PermittedCallsInHalfOpenState int
}

// CircuitBreaker is a per-name failure/latency state machine. All state
// mutation happens under one mutex so concurrent callers never observe a
// torn transition; Allow stays O(1) on the hot path.
type CircuitBreaker struct {
	mu sync.Mutex

	name   string
	cfg    BreakerConfig
	state  State
	window slidingWindow
	logger *slog.Logger

	openedAt time.Time

	// Half-open trial bookkeeping.
	trialPermits  int // Allow grants remaining
	trialTotal    int
	trialFailures int
	trialSlows    int

	// onTransition, when set, is invoked after each state change. It must
	// not block: the registry wires it to the async observer dispatcher.
	onTransition func(name string, from, to State)
}

// NewCircuitBreaker creates a closed breaker for the given policy name.
func NewCircuitBreaker(name string, cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		window: newWindow(cfg.SlidingWindowType, cfg.SlidingWindowSize),
		logger: logger,
	}
}

// Allow reports whether a call may proceed. In the open state it flips to
// half-open once the wait duration has elapsed; in half-open it grants at
// most PermittedCallsInHalfOpenState trial calls.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.WaitDurationInOpenState {
			b.transitionTo(StateHalfOpen)
			b.trialPermits--
			return true
		}
		metrics.CircuitRejections.WithLabelValues(b.name).Inc()
		return false
	case StateHalfOpen:
		if b.trialPermits > 0 {
			b.trialPermits--
			return true
		}
		metrics.CircuitRejections.WithLabelValues(b.name).Inc()
		return false
	default:
		return true
	}
}

// RecordOutcome feeds one call result into the window and re-evaluates the
// state machine. latency is compared against the slow-call threshold.
func (b *CircuitBreaker) RecordOutcome(failed bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slow := b.cfg.SlowCallDurationThreshold > 0 && latency >= b.cfg.SlowCallDurationThreshold

	switch b.state {
	case StateClosed:
		now := time.Now()
		b.window.record(failed, slow, now)
		total, failures, slows := b.window.totals(now)
		required := b.cfg.MinimumNumberOfCalls
		if b.cfg.SlidingWindowType == CountBased && required > b.cfg.SlidingWindowSize {
			// A count window can never hold more samples than its size.
			required = b.cfg.SlidingWindowSize
		}
		if total >= required && b.thresholdCrossed(total, failures, slows) {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.trialTotal++
		if failed {
			b.trialFailures++
		}
		if slow {
			b.trialSlows++
		}
		if b.trialTotal >= b.cfg.PermittedCallsInHalfOpenState {
			if b.thresholdCrossed(b.trialTotal, b.trialFailures, b.trialSlows) {
				b.transitionTo(StateOpen)
			} else {
				b.transitionTo(StateClosed)
			}
		}
	case StateOpen:
		// Late result from a call admitted before the breaker opened.
		// Recorded for completeness; the window resets on close anyway.
		b.window.record(failed, slow, time.Now())
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed and clears the window.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.window.reset()
		b.resetTrials()
		return
	}
	b.transitionTo(StateClosed)
}

// SlowCallThreshold returns the configured slow-call latency threshold.
func (b *CircuitBreaker) SlowCallThreshold() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.SlowCallDurationThreshold
}

// UpdateConfig swaps in new thresholds at runtime. Accumulated window
// counters carry forward unless reset is true or the window shape changed,
// in which case the window is rebuilt empty. reset is a full clean slate:
// it also returns an open or half-open breaker to closed.
func (b *CircuitBreaker) UpdateConfig(cfg BreakerConfig, reset bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rebuilt := reset ||
		cfg.SlidingWindowSize != b.cfg.SlidingWindowSize ||
		cfg.SlidingWindowType != b.cfg.SlidingWindowType
	b.cfg = cfg
	if rebuilt {
		b.window = newWindow(cfg.SlidingWindowType, cfg.SlidingWindowSize)
	}
	if reset {
		if b.state == StateClosed {
			b.resetTrials()
		} else {
			b.transitionTo(StateClosed)
		}
	}
}

// thresholdCrossed reports whether the failure or slow-call rate reached its
// configured threshold. Must be called with b.mu held.
func (b *CircuitBreaker) thresholdCrossed(total, failures, slows int) bool {
	if total == 0 {
		return false
	}
	failureRate := 100 * float64(failures) / float64(total)
	if failureRate >= b.cfg.FailureRateThreshold {
		return true
	}
	if b.cfg.SlowCallRateThreshold > 0 && b.cfg.SlowCallDurationThreshold > 0 {
		slowRate := 100 * float64(slows) / float64(total)
		if slowRate >= b.cfg.SlowCallRateThreshold {
			return true
		}
	}
	return false
}

// transitionTo changes the breaker state, emitting metrics, logging, and
// the observer notification. Must be called with b.mu held.
func (b *CircuitBreaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitTransitions.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.CircuitState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"name", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.window.reset()
		b.resetTrials()
	case StateOpen:
		b.openedAt = time.Now()
		b.resetTrials()
	case StateHalfOpen:
		b.trialPermits = b.cfg.PermittedCallsInHalfOpenState
		b.trialTotal = 0
		b.trialFailures = 0
		b.trialSlows = 0
	}

	if b.onTransition != nil {
		b.onTransition(b.name, from, newState)
	}
}

func (b *CircuitBreaker) resetTrials() {
	b.trialPermits = 0
	b.trialTotal = 0
	b.trialFailures = 0
	b.trialSlows = 0
}
