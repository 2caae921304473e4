// Package ratelimit provides per-policy-name admission control. Two
// strategies are available: a fixed-window limiter where the full permit
// count resets at every refresh period boundary (the default), and a smooth
// token-bucket limiter backed by golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"time"
)

// Strategy selects the limiter implementation.
type Strategy string

const (
	FixedWindow Strategy = "fixed_window"
	TokenBucket Strategy = "token_bucket"
)

// Config holds rate limiter settings for one policy name.
type Config struct {
	Strategy Strategy

	// LimitForPeriod is the number of permits granted per refresh period.
	// Zero or negative disables limiting entirely.
	LimitForPeriod int

	// LimitRefreshPeriod is the length of one permit window.
	LimitRefreshPeriod time.Duration

	// TimeoutDuration bounds how long Acquire waits for a permit.
	// Zero means no waiting: callers fail immediately when exhausted.
	TimeoutDuration time.Duration
}

// Limiter admits or rejects calls for a single policy name.
type Limiter interface {
	// Acquire obtains a permit, waiting up to the configured timeout.
	// Returns false when no permit became available in time or the
	// caller's context was cancelled. A caller that times out never
	// consumes a permit granted after its wait expired.
	Acquire(ctx context.Context) bool

	// Available reports the permits currently available. Approximate;
	// used for gauge sampling only.
	Available() int
}

// New builds a limiter for the given policy name. A nil result means
// limiting is disabled for this name.
func New(name string, cfg Config) Limiter {
	if cfg.LimitForPeriod <= 0 {
		return nil
	}
	if cfg.Strategy == TokenBucket {
		return newTokenBucket(name, cfg)
	}
	return newFixedWindow(name, cfg)
}
