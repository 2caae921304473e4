package resilience

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
	"github.com/dskow/resilience-core/internal/observe"
	"github.com/dskow/resilience-core/internal/ratelimit"
)

// TimeLimitConfig bounds a single protected call.
type TimeLimitConfig struct {
	TimeoutDuration time.Duration
}

// PolicyConfig is the composed policy set for one name. Nil blocks disable
// the corresponding policy.
type PolicyConfig struct {
	Breaker   *BreakerConfig
	Retry     *RetryConfig
	RateLimit *ratelimit.Config
	Bulkhead  *BulkheadConfig
	TimeLimit *TimeLimitConfig

	// ResetOnReload clears accumulated sliding-window counters when this
	// policy's config is hot-swapped. Default is to carry them forward.
	ResetOnReload bool
}

// policy is the live instance set for one name. In-flight calls hold the
// *policy they entered with, so a hot swap never changes a call mid-stack.
type policy struct {
	name     string
	cfg      PolicyConfig
	breaker  *CircuitBreaker
	limiter  ratelimit.Limiter
	bulkhead *Bulkhead
}

func (p *policy) timeout() time.Duration {
	if p.cfg.TimeLimit == nil {
		return 0
	}
	return p.cfg.TimeLimit.TimeoutDuration
}

// Registry maps policy names to their composed policy sets. Instances are
// created lazily on first reference and live for the process lifetime.
// Construct one per process (or per test) and inject it; there is no
// package-level singleton.
type Registry struct {
	mu       sync.RWMutex
	defaults PolicyConfig
	named    map[string]PolicyConfig
	active   map[string]*policy

	logger     *slog.Logger
	dispatcher *observe.Dispatcher

	gaugeStop chan struct{}
	gaugeDone chan struct{}
}

// NewRegistry creates a registry. named holds per-name policy configs;
// names not present fall back to defaults. dispatcher may be nil to disable
// observer events.
func NewRegistry(defaults PolicyConfig, named map[string]PolicyConfig, logger *slog.Logger, dispatcher *observe.Dispatcher) *Registry {
	if named == nil {
		named = make(map[string]PolicyConfig)
	}
	return &Registry{
		defaults:   defaults,
		named:      named,
		active:     make(map[string]*policy),
		logger:     logger,
		dispatcher: dispatcher,
	}
}

// policyFor returns the live policy set for name, creating it on first use.
func (r *Registry) policyFor(name string) *policy {
	r.mu.RLock()
	if p, ok := r.active[name]; ok {
		r.mu.RUnlock()
		return p
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.active[name]; ok {
		return p
	}
	p := r.build(name, r.configFor(name))
	r.active[name] = p
	return p
}

// configFor resolves the config for name. Must be called with r.mu held.
func (r *Registry) configFor(name string) PolicyConfig {
	if cfg, ok := r.named[name]; ok {
		return cfg
	}
	return r.defaults
}

func (r *Registry) build(name string, cfg PolicyConfig) *policy {
	p := &policy{name: name, cfg: cfg}
	if cfg.Breaker != nil {
		p.breaker = NewCircuitBreaker(name, *cfg.Breaker, r.logger)
		p.breaker.onTransition = r.notifyTransition
	}
	if cfg.RateLimit != nil {
		p.limiter = ratelimit.New(name, *cfg.RateLimit)
	}
	if cfg.Bulkhead != nil && cfg.Bulkhead.MaxConcurrentCalls > 0 {
		p.bulkhead = NewBulkhead(name, *cfg.Bulkhead)
	}
	return p
}

func (r *Registry) notifyTransition(name string, from, to State) {
	if r.dispatcher != nil {
		r.dispatcher.StateTransition(name, from.String(), to.String())
	}
}

// Update hot-swaps the configuration. Each active name gets a fresh policy
// set built from the new config; circuit breaker windows carry forward
// (thresholds updated in place) unless the policy sets ResetOnReload or the
// window shape changed. In-flight calls keep the policy set they entered
// with. Rate limiters and bulkheads whose parameters changed are rebuilt,
// which resets their period and slot accounting.
//
// A name dropped from the named map keeps its live instances and last
// settings; only names that were always defaults-backed follow the new
// defaults.
func (r *Registry) Update(defaults PolicyConfig, named map[string]PolicyConfig) {
	if named == nil {
		named = make(map[string]PolicyConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	oldNamed := r.named
	r.defaults = defaults
	r.named = named

	for name, old := range r.active {
		cfg, ok := named[name]
		if !ok {
			if _, wasNamed := oldNamed[name]; wasNamed {
				r.logger.Info("keeping last settings for policy dropped from config", "name", name)
				continue
			}
			cfg = defaults
		}
		next := &policy{name: name, cfg: cfg}

		switch {
		case cfg.Breaker != nil && old.breaker != nil:
			old.breaker.UpdateConfig(*cfg.Breaker, cfg.ResetOnReload)
			next.breaker = old.breaker
		case cfg.Breaker != nil:
			next.breaker = NewCircuitBreaker(name, *cfg.Breaker, r.logger)
			next.breaker.onTransition = r.notifyTransition
		}

		if cfg.RateLimit != nil {
			if old.cfg.RateLimit != nil && *old.cfg.RateLimit == *cfg.RateLimit {
				next.limiter = old.limiter
			} else {
				next.limiter = ratelimit.New(name, *cfg.RateLimit)
			}
		}

		if cfg.Bulkhead != nil && cfg.Bulkhead.MaxConcurrentCalls > 0 {
			if old.cfg.Bulkhead != nil && *old.cfg.Bulkhead == *cfg.Bulkhead {
				next.bulkhead = old.bulkhead
			} else {
				next.bulkhead = NewBulkhead(name, *cfg.Bulkhead)
			}
		}

		r.active[name] = next
	}

	r.logger.Info("policy configuration updated",
		"named_policies", len(named),
		"active_policies", len(r.active),
	)
}

// ResetBreaker forces the named breaker back to closed. Returns false when
// the name has no active breaker.
func (r *Registry) ResetBreaker(name string) bool {
	r.mu.RLock()
	p, ok := r.active[name]
	r.mu.RUnlock()
	if !ok || p.breaker == nil {
		return false
	}
	p.breaker.Reset()
	return true
}

// PolicyStatus is a point-in-time view of one policy set, for the admin API.
type PolicyStatus struct {
	Name             string `json:"name"`
	CircuitState     string `json:"circuit_state,omitempty"`
	InFlight         int64  `json:"in_flight"`
	AvailablePermits int    `json:"available_permits"`
	RetryMaxAttempts int    `json:"retry_max_attempts,omitempty"`
}

// Snapshot returns the status of every active policy, sorted by name.
func (r *Registry) Snapshot() []PolicyStatus {
	r.mu.RLock()
	policies := make([]*policy, 0, len(r.active))
	for _, p := range r.active {
		policies = append(policies, p)
	}
	r.mu.RUnlock()

	statuses := make([]PolicyStatus, 0, len(policies))
	for _, p := range policies {
		st := PolicyStatus{Name: p.name, AvailablePermits: -1}
		if p.breaker != nil {
			st.CircuitState = p.breaker.State().String()
		}
		if p.bulkhead != nil {
			st.InFlight = p.bulkhead.InFlight()
		}
		if p.limiter != nil {
			st.AvailablePermits = p.limiter.Available()
		}
		if p.cfg.Retry != nil {
			st.RetryMaxAttempts = p.cfg.Retry.MaxAttempts
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// StartGaugeLoop samples permit and in-flight gauges every interval until
// Close. Sampling happens off the call path so metric reads never block a
// protected call.
func (r *Registry) StartGaugeLoop(interval time.Duration) {
	r.gaugeStop = make(chan struct{})
	r.gaugeDone = make(chan struct{})
	go func() {
		defer close(r.gaugeDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sampleGauges()
			case <-r.gaugeStop:
				return
			}
		}
	}()
}

// Close stops the gauge loop if one was started.
func (r *Registry) Close() {
	if r.gaugeStop != nil {
		close(r.gaugeStop)
		<-r.gaugeDone
	}
}

func (r *Registry) sampleGauges() {
	r.mu.RLock()
	policies := make([]*policy, 0, len(r.active))
	for _, p := range r.active {
		policies = append(policies, p)
	}
	r.mu.RUnlock()

	for _, p := range policies {
		if p.limiter != nil {
			metrics.RateLimitAvailable.WithLabelValues(p.name).Set(float64(p.limiter.Available()))
		}
		if p.bulkhead != nil {
			metrics.BulkheadInFlight.WithLabelValues(p.name).Set(float64(p.bulkhead.InFlight()))
		}
	}
}
