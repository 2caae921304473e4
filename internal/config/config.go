// Package config provides YAML configuration loading with validation and
// environment variable substitution for the resilience core. The surface is
// a global defaults block plus a per-policy-name map; unset per-name fields
// fall back to the defaults block, then to built-in defaults.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
	Admin   AdminConfig   `yaml:"admin"`
	Probes  []ProbeConfig `yaml:"probes"`

	Defaults PolicySettings            `yaml:"defaults"`
	Policies map[string]PolicySettings `yaml:"policies"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-"`
}

// ServerConfig holds HTTP server settings for the metrics/admin endpoint.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`        // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output"`       // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb"`  // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups"`  // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days"` // max days to retain rotated files; default: 30
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled"`      // default: false
	IPAllowlist []string `yaml:"ip_allowlist"` // CIDR notation
}

// ProbeConfig defines one synthetic protected call the daemon drives
// periodically against an upstream.
type ProbeConfig struct {
	Name     string        `yaml:"name"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

// PolicySettings configures the policy set for one name. Nil blocks fall
// back to the defaults block; a block absent there too stays disabled.
type PolicySettings struct {
	CircuitBreaker *CircuitBreakerSettings `yaml:"circuit_breaker"`
	Retry          *RetrySettings          `yaml:"retry"`
	RateLimit      *RateLimitSettings      `yaml:"rate_limit"`
	Bulkhead       *BulkheadSettings       `yaml:"bulkhead"`
	TimeLimit      *TimeLimitSettings      `yaml:"time_limit"`

	// ResetOnReload clears the breaker's sliding-window counters when
	// this policy is hot-reloaded. Default: counters carry forward.
	ResetOnReload bool `yaml:"reset_on_reload"`
}

// Sliding window type strings.
const (
	WindowTypeCount = "count"
	WindowTypeTime  = "time"
)

// CircuitBreakerSettings mirrors the breaker thresholds. Rate thresholds
// are percentages in (0, 100].
type CircuitBreakerSettings struct {
	FailureRateThreshold          float64       `yaml:"failure_rate_threshold"`
	SlowCallDurationThreshold     time.Duration `yaml:"slow_call_duration_threshold"`
	SlowCallRateThreshold         float64       `yaml:"slow_call_rate_threshold"`
	MinimumNumberOfCalls          int           `yaml:"minimum_number_of_calls"`
	SlidingWindowSize             int           `yaml:"sliding_window_size"`
	SlidingWindowType             string        `yaml:"sliding_window_type"` // "count" or "time"
	WaitDurationInOpenState       time.Duration `yaml:"wait_duration_in_open_state"`
	PermittedCallsInHalfOpenState int           `yaml:"permitted_calls_in_half_open_state"`
}

// RetrySettings configures the attempt loop.
type RetrySettings struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	BaseWaitDuration    time.Duration `yaml:"base_wait_duration"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	MaxWaitDuration     time.Duration `yaml:"max_wait_duration"`
	RetryOnCircuitOpen  bool          `yaml:"retry_on_circuit_open"`
}

// RateLimitSettings configures admission control.
type RateLimitSettings struct {
	Strategy           string        `yaml:"strategy"` // "fixed_window" (default) or "token_bucket"
	LimitForPeriod     int           `yaml:"limit_for_period"`
	LimitRefreshPeriod time.Duration `yaml:"limit_refresh_period"`
	TimeoutDuration    time.Duration `yaml:"timeout_duration"`
}

// BulkheadSettings caps concurrency.
type BulkheadSettings struct {
	MaxConcurrentCalls int64         `yaml:"max_concurrent_calls"`
	MaxWaitDuration    time.Duration `yaml:"max_wait_duration"`
}

// TimeLimitSettings bounds a single call.
type TimeLimitSettings struct {
	TimeoutDuration time.Duration `yaml:"timeout_duration"`
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

// Merged resolves the effective policy settings for name: the per-name
// block overlaid on the defaults block, field by field. Built-in defaults
// are applied only after the overlay, so an unset per-name field falls back
// to the defaults block before any built-in value.
func (c *Config) Merged(name string) PolicySettings {
	named, ok := c.Policies[name]
	if !ok {
		return c.Defaults
	}
	merged := mergePolicy(c.Defaults, named)
	applyPolicyDefaults(&merged)
	return merged
}

func mergePolicy(base, override PolicySettings) PolicySettings {
	out := override
	out.CircuitBreaker = mergeBreaker(base.CircuitBreaker, override.CircuitBreaker)
	out.Retry = mergeRetry(base.Retry, override.Retry)
	out.RateLimit = mergeRateLimit(base.RateLimit, override.RateLimit)
	out.Bulkhead = mergeBulkhead(base.Bulkhead, override.Bulkhead)
	out.TimeLimit = mergeTimeLimit(base.TimeLimit, override.TimeLimit)
	return out
}

func mergeBreaker(base, override *CircuitBreakerSettings) *CircuitBreakerSettings {
	if override == nil {
		return base
	}
	if base == nil {
		return override
	}
	merged := *override
	if merged.FailureRateThreshold == 0 {
		merged.FailureRateThreshold = base.FailureRateThreshold
	}
	if merged.SlowCallDurationThreshold == 0 {
		merged.SlowCallDurationThreshold = base.SlowCallDurationThreshold
	}
	if merged.SlowCallRateThreshold == 0 {
		merged.SlowCallRateThreshold = base.SlowCallRateThreshold
	}
	if merged.MinimumNumberOfCalls == 0 {
		merged.MinimumNumberOfCalls = base.MinimumNumberOfCalls
	}
	if merged.SlidingWindowSize == 0 {
		merged.SlidingWindowSize = base.SlidingWindowSize
	}
	if merged.SlidingWindowType == "" {
		merged.SlidingWindowType = base.SlidingWindowType
	}
	if merged.WaitDurationInOpenState == 0 {
		merged.WaitDurationInOpenState = base.WaitDurationInOpenState
	}
	if merged.PermittedCallsInHalfOpenState == 0 {
		merged.PermittedCallsInHalfOpenState = base.PermittedCallsInHalfOpenState
	}
	return &merged
}

func mergeRetry(base, override *RetrySettings) *RetrySettings {
	if override == nil {
		return base
	}
	if base == nil {
		return override
	}
	merged := *override
	if merged.MaxAttempts == 0 {
		merged.MaxAttempts = base.MaxAttempts
	}
	if merged.BaseWaitDuration == 0 {
		merged.BaseWaitDuration = base.BaseWaitDuration
	}
	if merged.BackoffMultiplier == 0 {
		merged.BackoffMultiplier = base.BackoffMultiplier
	}
	if merged.RandomizationFactor == 0 {
		merged.RandomizationFactor = base.RandomizationFactor
	}
	if merged.MaxWaitDuration == 0 {
		merged.MaxWaitDuration = base.MaxWaitDuration
	}
	return &merged
}

func mergeRateLimit(base, override *RateLimitSettings) *RateLimitSettings {
	if override == nil {
		return base
	}
	if base == nil {
		return override
	}
	merged := *override
	if merged.Strategy == "" {
		merged.Strategy = base.Strategy
	}
	if merged.LimitForPeriod == 0 {
		merged.LimitForPeriod = base.LimitForPeriod
	}
	if merged.LimitRefreshPeriod == 0 {
		merged.LimitRefreshPeriod = base.LimitRefreshPeriod
	}
	if merged.TimeoutDuration == 0 {
		merged.TimeoutDuration = base.TimeoutDuration
	}
	return &merged
}

func mergeBulkhead(base, override *BulkheadSettings) *BulkheadSettings {
	if override == nil {
		return base
	}
	if base == nil {
		return override
	}
	merged := *override
	if merged.MaxConcurrentCalls == 0 {
		merged.MaxConcurrentCalls = base.MaxConcurrentCalls
	}
	if merged.MaxWaitDuration == 0 {
		merged.MaxWaitDuration = base.MaxWaitDuration
	}
	return &merged
}

func mergeTimeLimit(base, override *TimeLimitSettings) *TimeLimitSettings {
	if override == nil {
		return base
	}
	if base == nil {
		return override
	}
	merged := *override
	if merged.TimeoutDuration == 0 {
		merged.TimeoutDuration = base.TimeoutDuration
	}
	return &merged
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	// Named blocks stay raw here: Merged applies built-ins after the
	// overlay, otherwise a built-in would shadow the defaults block.
	applyPolicyDefaults(&cfg.Defaults)

	for i := range cfg.Probes {
		if cfg.Probes[i].Interval == 0 {
			cfg.Probes[i].Interval = 5 * time.Second
		}
	}
}

func applyPolicyDefaults(p *PolicySettings) {
	if cb := p.CircuitBreaker; cb != nil {
		if cb.FailureRateThreshold == 0 {
			cb.FailureRateThreshold = 50
		}
		if cb.SlidingWindowSize == 0 {
			cb.SlidingWindowSize = 10
		}
		if cb.SlidingWindowType == "" {
			cb.SlidingWindowType = WindowTypeCount
		}
		if cb.MinimumNumberOfCalls == 0 {
			cb.MinimumNumberOfCalls = cb.SlidingWindowSize
		}
		if cb.WaitDurationInOpenState == 0 {
			cb.WaitDurationInOpenState = 30 * time.Second
		}
		if cb.PermittedCallsInHalfOpenState == 0 {
			cb.PermittedCallsInHalfOpenState = 2
		}
	}
	if r := p.Retry; r != nil {
		if r.MaxAttempts == 0 {
			r.MaxAttempts = 1
		}
		if r.BaseWaitDuration == 0 {
			r.BaseWaitDuration = 100 * time.Millisecond
		}
		if r.BackoffMultiplier == 0 {
			r.BackoffMultiplier = 2.0
		}
	}
	if rl := p.RateLimit; rl != nil {
		if rl.Strategy == "" {
			rl.Strategy = "fixed_window"
		}
		if rl.LimitRefreshPeriod == 0 {
			rl.LimitRefreshPeriod = time.Second
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	for _, cidr := range cfg.Admin.IPAllowlist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("admin.ip_allowlist: invalid CIDR %q: %w", cidr, err)
		}
	}

	if err := validatePolicy("defaults", cfg.Defaults); err != nil {
		return err
	}
	for name := range cfg.Policies {
		if name == "" {
			return fmt.Errorf("policies: policy name must not be empty")
		}
		if err := validatePolicy("policies."+name, cfg.Merged(name)); err != nil {
			return err
		}
	}

	for i, probe := range cfg.Probes {
		if probe.Name == "" {
			return fmt.Errorf("probes[%d].name is required", i)
		}
		u, err := url.Parse(probe.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("probes[%d].url %q is not a valid URL", i, probe.URL)
		}
	}

	return nil
}

func validatePolicy(path string, p PolicySettings) error {
	if cb := p.CircuitBreaker; cb != nil {
		if cb.FailureRateThreshold <= 0 || cb.FailureRateThreshold > 100 {
			return fmt.Errorf("%s.circuit_breaker.failure_rate_threshold must be in (0, 100], got %g", path, cb.FailureRateThreshold)
		}
		if cb.SlowCallRateThreshold < 0 || cb.SlowCallRateThreshold > 100 {
			return fmt.Errorf("%s.circuit_breaker.slow_call_rate_threshold must be in [0, 100], got %g", path, cb.SlowCallRateThreshold)
		}
		if cb.SlidingWindowType != WindowTypeCount && cb.SlidingWindowType != WindowTypeTime {
			return fmt.Errorf("%s.circuit_breaker.sliding_window_type must be %q or %q, got %q", path, WindowTypeCount, WindowTypeTime, cb.SlidingWindowType)
		}
		if cb.SlidingWindowSize < 1 {
			return fmt.Errorf("%s.circuit_breaker.sliding_window_size must be >= 1, got %d", path, cb.SlidingWindowSize)
		}
		if cb.MinimumNumberOfCalls < 1 {
			return fmt.Errorf("%s.circuit_breaker.minimum_number_of_calls must be >= 1, got %d", path, cb.MinimumNumberOfCalls)
		}
		if cb.PermittedCallsInHalfOpenState < 1 {
			return fmt.Errorf("%s.circuit_breaker.permitted_calls_in_half_open_state must be >= 1, got %d", path, cb.PermittedCallsInHalfOpenState)
		}
	}
	if r := p.Retry; r != nil {
		if r.MaxAttempts < 1 {
			return fmt.Errorf("%s.retry.max_attempts must be >= 1, got %d", path, r.MaxAttempts)
		}
		if r.BackoffMultiplier < 1 {
			return fmt.Errorf("%s.retry.backoff_multiplier must be >= 1.0, got %g", path, r.BackoffMultiplier)
		}
		if r.RandomizationFactor < 0 || r.RandomizationFactor > 1 {
			return fmt.Errorf("%s.retry.randomization_factor must be in [0, 1], got %g", path, r.RandomizationFactor)
		}
	}
	if rl := p.RateLimit; rl != nil {
		if rl.Strategy != "fixed_window" && rl.Strategy != "token_bucket" {
			return fmt.Errorf("%s.rate_limit.strategy must be \"fixed_window\" or \"token_bucket\", got %q", path, rl.Strategy)
		}
		if rl.LimitForPeriod < 0 {
			return fmt.Errorf("%s.rate_limit.limit_for_period must be >= 0, got %d", path, rl.LimitForPeriod)
		}
		if rl.LimitRefreshPeriod <= 0 {
			return fmt.Errorf("%s.rate_limit.limit_refresh_period must be positive, got %s", path, rl.LimitRefreshPeriod)
		}
	}
	if b := p.Bulkhead; b != nil {
		if b.MaxConcurrentCalls < 1 {
			return fmt.Errorf("%s.bulkhead.max_concurrent_calls must be >= 1, got %d", path, b.MaxConcurrentCalls)
		}
	}
	if tl := p.TimeLimit; tl != nil {
		if tl.TimeoutDuration < 0 {
			return fmt.Errorf("%s.time_limit.timeout_duration must not be negative, got %s", path, tl.TimeoutDuration)
		}
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string

	check := func(path string, p PolicySettings) {
		if cb := p.CircuitBreaker; cb != nil {
			if cb.SlidingWindowType == WindowTypeCount && cb.MinimumNumberOfCalls > cb.SlidingWindowSize {
				warnings = append(warnings, fmt.Sprintf(
					"%s.circuit_breaker: minimum_number_of_calls (%d) exceeds sliding_window_size (%d); the window can never hold that many samples, so the effective minimum is the window size",
					path, cb.MinimumNumberOfCalls, cb.SlidingWindowSize))
			}
			if cb.SlowCallRateThreshold > 0 && cb.SlowCallDurationThreshold == 0 {
				warnings = append(warnings, fmt.Sprintf(
					"%s.circuit_breaker: slow_call_rate_threshold is set but slow_call_duration_threshold is zero; no call will ever be classified slow",
					path))
			}
		}
		if rl := p.RateLimit; rl != nil && rl.LimitForPeriod == 0 {
			warnings = append(warnings, fmt.Sprintf("%s.rate_limit: limit_for_period is 0; rate limiting is disabled for this policy", path))
		}
	}

	check("defaults", cfg.Defaults)
	for name := range cfg.Policies {
		check("policies."+name, cfg.Merged(name))
	}

	if cfg.Admin.Enabled && len(cfg.Admin.IPAllowlist) == 0 {
		warnings = append(warnings, "admin.enabled is true with an empty ip_allowlist; all admin requests will be rejected")
	}

	return warnings
}
