package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/resilience-core/internal/metrics"
)

// tokenBucketLimiter smooths admission with a continuously refilling bucket
// instead of hard window resets. The refill rate is LimitForPeriod permits
// per LimitRefreshPeriod with a burst of LimitForPeriod.
type tokenBucketLimiter struct {
	name    string
	lim     *rate.Limiter
	timeout time.Duration
}

func newTokenBucket(name string, cfg Config) *tokenBucketLimiter {
	perSecond := float64(cfg.LimitForPeriod) / cfg.LimitRefreshPeriod.Seconds()
	return &tokenBucketLimiter{
		name:    name,
		lim:     rate.NewLimiter(rate.Limit(perSecond), cfg.LimitForPeriod),
		timeout: cfg.TimeoutDuration,
	}
}

func (l *tokenBucketLimiter) Acquire(ctx context.Context) bool {
	if l.timeout <= 0 {
		if l.lim.Allow() {
			return true
		}
		metrics.RateLimitRejections.WithLabelValues(l.name).Inc()
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.lim.Wait(waitCtx); err != nil {
		metrics.RateLimitRejections.WithLabelValues(l.name).Inc()
		return false
	}
	return true
}

func (l *tokenBucketLimiter) Available() int {
	return int(l.lim.Tokens())
}
