package resilience

import "time"

// WindowType selects how the circuit breaker aggregates outcomes.
type WindowType int

const (
	CountBased WindowType = iota // fixed-capacity ring of the most recent N outcomes
	TimeBased                    // per-second buckets covering the most recent N seconds
)

// slidingWindow accumulates call outcomes and reports aggregate counts.
// Implementations are not goroutine-safe; the owning breaker serializes
// access under its mutex.
type slidingWindow interface {
	record(failed, slow bool, now time.Time)
	totals(now time.Time) (total, failures, slows int)
	reset()
}

func newWindow(typ WindowType, size int) slidingWindow {
	if typ == TimeBased {
		return newTimeWindow(size)
	}
	return newCountWindow(size)
}

type cell struct {
	failed bool
	slow   bool
}

// countWindow is a ring buffer over the most recent size outcomes, with
// running counts so record and totals are O(1).
type countWindow struct {
	buf      []cell
	head     int // next write position
	count    int
	failures int
	slows    int
}

func newCountWindow(size int) *countWindow {
	return &countWindow{buf: make([]cell, size)}
}

func (w *countWindow) record(failed, slow bool, _ time.Time) {
	if w.count == len(w.buf) {
		old := w.buf[w.head]
		if old.failed {
			w.failures--
		}
		if old.slow {
			w.slows--
		}
	} else {
		w.count++
	}

	w.buf[w.head] = cell{failed: failed, slow: slow}
	if failed {
		w.failures++
	}
	if slow {
		w.slows++
	}
	w.head = (w.head + 1) % len(w.buf)
}

func (w *countWindow) totals(_ time.Time) (int, int, int) {
	return w.count, w.failures, w.slows
}

func (w *countWindow) reset() {
	w.head = 0
	w.count = 0
	w.failures = 0
	w.slows = 0
}

type bucket struct {
	sec      int64 // unix second this bucket covers
	total    int
	failures int
	slows    int
}

// timeWindow holds one bucket per second over the most recent size seconds.
// Buckets are reused in place: a write into a bucket whose second has moved
// on overwrites it, which evicts expired outcomes lazily. Totals skip any
// bucket older than the window.
type timeWindow struct {
	buckets []bucket
	size    int64 // window length in seconds
}

func newTimeWindow(seconds int) *timeWindow {
	return &timeWindow{
		buckets: make([]bucket, seconds),
		size:    int64(seconds),
	}
}

func (w *timeWindow) record(failed, slow bool, now time.Time) {
	sec := now.Unix()
	b := &w.buckets[sec%w.size]
	if b.sec != sec {
		*b = bucket{sec: sec}
	}
	b.total++
	if failed {
		b.failures++
	}
	if slow {
		b.slows++
	}
}

func (w *timeWindow) totals(now time.Time) (total, failures, slows int) {
	oldest := now.Unix() - w.size + 1
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.sec < oldest {
			continue
		}
		total += b.total
		failures += b.failures
		slows += b.slows
	}
	return total, failures, slows
}

func (w *timeWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
