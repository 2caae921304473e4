package resilience

import (
	"log/slog"

	"github.com/dskow/resilience-core/internal/config"
	"github.com/dskow/resilience-core/internal/observe"
	"github.com/dskow/resilience-core/internal/ratelimit"
)

// NewRegistryFromConfig builds a registry from the loaded configuration.
func NewRegistryFromConfig(cfg *config.Config, logger *slog.Logger, dispatcher *observe.Dispatcher) *Registry {
	named := make(map[string]PolicyConfig, len(cfg.Policies))
	for name := range cfg.Policies {
		named[name] = fromSettings(cfg.Merged(name))
	}
	return NewRegistry(fromSettings(cfg.Defaults), named, logger, dispatcher)
}

// ApplyConfig hot-swaps a registry's configuration from a freshly reloaded
// config. Intended as a Reloader callback.
func (r *Registry) ApplyConfig(cfg *config.Config) {
	named := make(map[string]PolicyConfig, len(cfg.Policies))
	for name := range cfg.Policies {
		named[name] = fromSettings(cfg.Merged(name))
	}
	r.Update(fromSettings(cfg.Defaults), named)
}

// fromSettings converts YAML-level settings into the plain policy config
// the core packages work with. YAML specifics never leak past this point.
func fromSettings(s config.PolicySettings) PolicyConfig {
	p := PolicyConfig{ResetOnReload: s.ResetOnReload}

	if cb := s.CircuitBreaker; cb != nil {
		windowType := CountBased
		if cb.SlidingWindowType == config.WindowTypeTime {
			windowType = TimeBased
		}
		p.Breaker = &BreakerConfig{
			FailureRateThreshold:          cb.FailureRateThreshold,
			SlowCallDurationThreshold:     cb.SlowCallDurationThreshold,
			SlowCallRateThreshold:         cb.SlowCallRateThreshold,
			MinimumNumberOfCalls:          cb.MinimumNumberOfCalls,
			SlidingWindowSize:             cb.SlidingWindowSize,
			SlidingWindowType:             windowType,
			WaitDurationInOpenState:       cb.WaitDurationInOpenState,
			PermittedCallsInHalfOpenState: cb.PermittedCallsInHalfOpenState,
		}
	}

	if r := s.Retry; r != nil {
		// Config-driven policies declare retry eligibility by setting
		// max_attempts; any error is then fair game. Callers needing
		// finer classification register policies programmatically.
		p.Retry = &RetryConfig{
			MaxAttempts:         r.MaxAttempts,
			BaseWaitDuration:    r.BaseWaitDuration,
			BackoffMultiplier:   r.BackoffMultiplier,
			RandomizationFactor: r.RandomizationFactor,
			MaxWaitDuration:     r.MaxWaitDuration,
			RetryIf:             RetryAnyError,
			RetryOnCircuitOpen:  r.RetryOnCircuitOpen,
		}
	}

	if rl := s.RateLimit; rl != nil {
		p.RateLimit = &ratelimit.Config{
			Strategy:           ratelimit.Strategy(rl.Strategy),
			LimitForPeriod:     rl.LimitForPeriod,
			LimitRefreshPeriod: rl.LimitRefreshPeriod,
			TimeoutDuration:    rl.TimeoutDuration,
		}
	}

	if b := s.Bulkhead; b != nil {
		p.Bulkhead = &BulkheadConfig{
			MaxConcurrentCalls: b.MaxConcurrentCalls,
			MaxWaitDuration:    b.MaxWaitDuration,
		}
	}

	if tl := s.TimeLimit; tl != nil {
		p.TimeLimit = &TimeLimitConfig{TimeoutDuration: tl.TimeoutDuration}
	}

	return p
}
