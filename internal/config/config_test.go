package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  port: 9090
metrics:
  path: /stats
admin:
  enabled: true
  ip_allowlist:
    - 10.0.0.0/8
defaults:
  circuit_breaker:
    failure_rate_threshold: 40
    sliding_window_size: 20
  retry:
    max_attempts: 3
    base_wait_duration: 50ms
policies:
  payments:
    circuit_breaker:
      failure_rate_threshold: 25
    bulkhead:
      max_concurrent_calls: 8
  search:
    rate_limit:
      limit_for_period: 100
      limit_refresh_period: 1s
`

func TestLoadFromBytes_ParsesAndDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Fatalf("expected default read timeout, got %s", cfg.Server.ReadTimeout)
	}
	if cfg.Metrics.Path != "/stats" {
		t.Fatalf("expected metrics path /stats, got %q", cfg.Metrics.Path)
	}
	if !cfg.Metrics.IsEnabled() {
		t.Fatal("metrics should default to enabled")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Output != "stdout" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}

	cb := cfg.Defaults.CircuitBreaker
	if cb == nil {
		t.Fatal("expected defaults circuit breaker block")
	}
	if cb.SlidingWindowType != WindowTypeCount {
		t.Fatalf("expected count window default, got %q", cb.SlidingWindowType)
	}
	if cb.MinimumNumberOfCalls != 20 {
		t.Fatalf("expected minimum calls to default to window size, got %d", cb.MinimumNumberOfCalls)
	}
	if cb.WaitDurationInOpenState != 30*time.Second {
		t.Fatalf("expected 30s open wait default, got %s", cb.WaitDurationInOpenState)
	}
}

func TestMerged_OverlaysNamedOnDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payments := cfg.Merged("payments")
	if payments.CircuitBreaker.FailureRateThreshold != 25 {
		t.Fatalf("expected override threshold 25, got %g", payments.CircuitBreaker.FailureRateThreshold)
	}
	if payments.CircuitBreaker.SlidingWindowSize != 20 {
		t.Fatalf("expected window size 20 from defaults, got %d", payments.CircuitBreaker.SlidingWindowSize)
	}
	if payments.Retry == nil || payments.Retry.MaxAttempts != 3 {
		t.Fatal("expected retry block inherited from defaults")
	}
	if payments.Bulkhead == nil || payments.Bulkhead.MaxConcurrentCalls != 8 {
		t.Fatal("expected bulkhead from the named block")
	}

	search := cfg.Merged("search")
	if search.RateLimit == nil || search.RateLimit.LimitForPeriod != 100 {
		t.Fatal("expected rate limit from the named block")
	}
	if search.RateLimit.Strategy != "fixed_window" {
		t.Fatalf("expected fixed_window strategy default, got %q", search.RateLimit.Strategy)
	}

	unknown := cfg.Merged("unknown")
	if unknown.CircuitBreaker.FailureRateThreshold != 40 {
		t.Fatal("unknown names must resolve to the defaults block")
	}
}

func TestMerged_DefaultsBlockBeatsBuiltins(t *testing.T) {
	// An unset per-name field must inherit the defaults block, never the
	// built-in value, even when the built-in has an opinion too.
	cfg, err := LoadFromBytes([]byte(`
defaults:
  circuit_breaker:
    sliding_window_size: 20
    wait_duration_in_open_state: 90s
policies:
  payments:
    circuit_breaker:
      failure_rate_threshold: 25
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cb := cfg.Merged("payments").CircuitBreaker
	if cb.SlidingWindowSize != 20 {
		t.Fatalf("expected window size 20 from the defaults block, got %d", cb.SlidingWindowSize)
	}
	if cb.WaitDurationInOpenState != 90*time.Second {
		t.Fatalf("expected 90s open wait from the defaults block, got %s", cb.WaitDurationInOpenState)
	}
	if cb.MinimumNumberOfCalls != 20 {
		t.Fatalf("expected minimum calls to follow the inherited window size, got %d", cb.MinimumNumberOfCalls)
	}
}

func TestMerged_BuiltinsApplyToNamedOnlyBlocks(t *testing.T) {
	// A block present only in the named policy still gets built-ins.
	cfg, err := LoadFromBytes([]byte(`
policies:
  svc:
    circuit_breaker:
      failure_rate_threshold: 30
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cb := cfg.Merged("svc").CircuitBreaker
	if cb.SlidingWindowSize != 10 || cb.SlidingWindowType != WindowTypeCount {
		t.Fatalf("expected built-in window defaults, got size=%d type=%q", cb.SlidingWindowSize, cb.SlidingWindowType)
	}
	if cb.PermittedCallsInHalfOpenState != 2 {
		t.Fatalf("expected built-in permitted calls 2, got %d", cb.PermittedCallsInHalfOpenState)
	}
}

func TestLoadFromBytes_EnvExpansion(t *testing.T) {
	t.Setenv("RESILIENCE_PORT", "7070")

	cfg, err := LoadFromBytes([]byte("server:\n  port: ${RESILIENCE_PORT}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected expanded port 7070, got %d", cfg.Server.Port)
	}
}

func TestLoadFromBytes_UnsetEnvVarLeftIntact(t *testing.T) {
	_, err := LoadFromBytes([]byte("logging:\n  output: ${NO_SUCH_RESILIENCE_VAR}\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			"bad port",
			"server:\n  port: 70000\n",
			"server.port",
		},
		{
			"bad cidr",
			"admin:\n  ip_allowlist: [\"not-a-cidr\"]\n",
			"invalid CIDR",
		},
		{
			"threshold over 100",
			"defaults:\n  circuit_breaker:\n    failure_rate_threshold: 150\n",
			"failure_rate_threshold",
		},
		{
			"bad window type",
			"defaults:\n  circuit_breaker:\n    sliding_window_type: ring\n",
			"sliding_window_type",
		},
		{
			"bad rate limit strategy",
			"defaults:\n  rate_limit:\n    strategy: leaky\n    limit_for_period: 5\n",
			"rate_limit.strategy",
		},
		{
			"zero backoff multiplier",
			"defaults:\n  retry:\n    max_attempts: 2\n    backoff_multiplier: 0.5\n",
			"backoff_multiplier",
		},
		{
			"bad probe url",
			"probes:\n  - name: p\n    url: \"not a url\"\n",
			"probes[0].url",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestWarnings_Collected(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
admin:
  enabled: true
defaults:
  circuit_breaker:
    sliding_window_size: 5
    minimum_number_of_calls: 50
  rate_limit:
    limit_for_period: 0
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	joined := strings.Join(cfg.Warnings, "\n")
	for _, want := range []string{
		"minimum_number_of_calls",
		"limit_for_period is 0",
		"empty ip_allowlist",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected warning about %q, got:\n%s", want, joined)
		}
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resilience.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
