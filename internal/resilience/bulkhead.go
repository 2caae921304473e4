package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dskow/resilience-core/internal/metrics"
)

// BulkheadConfig caps concurrent executions for one policy name.
type BulkheadConfig struct {
	MaxConcurrentCalls int64

	// MaxWaitDuration bounds how long a caller over the cap waits for a
	// slot to free. Zero means callers over the cap fail immediately.
	MaxWaitDuration time.Duration
}

// Bulkhead bounds in-flight calls with a weighted semaphore. A caller whose
// Acquire returns true holds exactly one slot and must Release it; the
// orchestrator guarantees the release via defer on every exit path.
type Bulkhead struct {
	name     string
	sem      *semaphore.Weighted
	maxWait  time.Duration
	inFlight atomic.Int64
}

// NewBulkhead creates a bulkhead allowing at most cfg.MaxConcurrentCalls
// concurrent holders.
func NewBulkhead(name string, cfg BulkheadConfig) *Bulkhead {
	return &Bulkhead{
		name:    name,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		maxWait: cfg.MaxWaitDuration,
	}
}

// Acquire obtains a slot, waiting up to MaxWaitDuration. Returns false on
// timeout or context cancellation; a false return never occupies a slot.
func (b *Bulkhead) Acquire(ctx context.Context) bool {
	if b.sem.TryAcquire(1) {
		b.inFlight.Add(1)
		return true
	}

	if b.maxWait <= 0 {
		metrics.BulkheadRejections.WithLabelValues(b.name).Inc()
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.maxWait)
	defer cancel()

	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		metrics.BulkheadRejections.WithLabelValues(b.name).Inc()
		return false
	}
	b.inFlight.Add(1)
	return true
}

// Release frees a slot. Must be called exactly once for every Acquire that
// returned true.
func (b *Bulkhead) Release() {
	b.inFlight.Add(-1)
	b.sem.Release(1)
}

// InFlight reports the number of slots currently held.
func (b *Bulkhead) InFlight() int64 {
	return b.inFlight.Load()
}
