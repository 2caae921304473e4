package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
)

// fixedWindowLimiter grants LimitForPeriod permits per window and fully
// resets the count at every window boundary. There is no background refill
// goroutine: the window is rolled forward lazily under the lock whenever a
// caller arrives. Waiters sleep until the next boundary (or their deadline,
// whichever is sooner) and re-contend for a fresh permit, which yields
// approximately FIFO service without a strict queue.
type fixedWindowLimiter struct {
	mu        sync.Mutex
	name      string
	limit     int
	period    time.Duration
	timeout   time.Duration
	epoch     time.Time // start of the current window; zero until first use
	remaining int
}

func newFixedWindow(name string, cfg Config) *fixedWindowLimiter {
	return &fixedWindowLimiter{
		name:    name,
		limit:   cfg.LimitForPeriod,
		period:  cfg.LimitRefreshPeriod,
		timeout: cfg.TimeoutDuration,
	}
}

func (l *fixedWindowLimiter) Acquire(ctx context.Context) bool {
	deadline := time.Now().Add(l.timeout)

	for {
		now := time.Now()

		l.mu.Lock()
		l.roll(now)
		if l.remaining > 0 {
			l.remaining--
			l.mu.Unlock()
			return true
		}
		next := l.epoch.Add(l.period)
		l.mu.Unlock()

		// The deadline check happens before any further waiting, so a
		// caller whose wait already expired cannot grab a permit that
		// arrived afterwards.
		if !now.Before(deadline) {
			metrics.RateLimitRejections.WithLabelValues(l.name).Inc()
			return false
		}

		wait := next.Sub(now)
		if remain := deadline.Sub(now); wait > remain {
			wait = remain
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitRejections.WithLabelValues(l.name).Inc()
			return false
		case <-timer.C:
		}
	}
}

func (l *fixedWindowLimiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())
	return l.remaining
}

// roll advances the window to contain now and restores the permit count at
// each boundary crossed. Must be called with l.mu held.
func (l *fixedWindowLimiter) roll(now time.Time) {
	if l.epoch.IsZero() {
		l.epoch = now
		l.remaining = l.limit
		return
	}
	if elapsed := now.Sub(l.epoch); elapsed >= l.period {
		periods := elapsed / l.period
		l.epoch = l.epoch.Add(periods * l.period)
		l.remaining = l.limit
	}
}
