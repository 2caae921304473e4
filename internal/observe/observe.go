// Package observe delivers policy outcome and state-transition events to
// pluggable sinks. Publishing is fire-and-forget: events are queued on a
// bounded channel and dispatched by a background goroutine, so a slow or
// stalled sink can never block a protected call. When the queue is full the
// event is dropped and counted.
package observe

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dskow/resilience-core/internal/metrics"
)

// Outcome classifies a single protected call result.
type Outcome int

const (
	Success Outcome = iota
	SlowSuccess
	Failure
	SlowFailure
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case SlowSuccess:
		return "slow_success"
	case Failure:
		return "failure"
	case SlowFailure:
		return "slow_failure"
	default:
		return "unknown"
	}
}

// Failed reports whether the outcome counts as a failure.
func (o Outcome) Failed() bool {
	return o == Failure || o == SlowFailure
}

// Sink receives resilience events. Implementations must tolerate concurrent
// delivery from the dispatcher goroutine only (calls are serialized) but
// should still return quickly: events queue up behind a slow sink and are
// eventually dropped at the publisher.
type Sink interface {
	// OnOutcome is invoked once per recorded call outcome.
	OnOutcome(name string, outcome Outcome, duration time.Duration)

	// OnStateTransition is invoked when a circuit breaker changes state.
	OnStateTransition(name, from, to string)
}

type eventKind int

const (
	kindOutcome eventKind = iota
	kindTransition
)

type event struct {
	kind     eventKind
	name     string
	outcome  Outcome
	duration time.Duration
	from, to string
}

// Dispatcher fans events out to registered sinks asynchronously.
type Dispatcher struct {
	sinks   []Sink
	events  chan event
	dropped atomic.Uint64
	done    chan struct{}
}

const defaultQueueSize = 1024

// NewDispatcher starts a dispatcher delivering to the given sinks.
// Close must be called to stop the delivery goroutine.
func NewDispatcher(sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		sinks:  sinks,
		events: make(chan event, defaultQueueSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Outcome publishes a call outcome. Never blocks; drops when the queue is full.
func (d *Dispatcher) Outcome(name string, outcome Outcome, duration time.Duration) {
	d.publish(event{kind: kindOutcome, name: name, outcome: outcome, duration: duration})
}

// StateTransition publishes a breaker state change. Never blocks.
func (d *Dispatcher) StateTransition(name, from, to string) {
	d.publish(event{kind: kindTransition, name: name, from: from, to: to})
}

// Dropped returns the number of events discarded due to a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops the dispatcher after draining queued events.
func (d *Dispatcher) Close() {
	close(d.events)
	<-d.done
}

func (d *Dispatcher) publish(ev event) {
	select {
	case d.events <- ev:
	default:
		d.dropped.Add(1)
		metrics.ObserverDropped.Inc()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.events {
		for _, s := range d.sinks {
			switch ev.kind {
			case kindOutcome:
				s.OnOutcome(ev.name, ev.outcome, ev.duration)
			case kindTransition:
				s.OnStateTransition(ev.name, ev.from, ev.to)
			}
		}
	}
}

// LogSink writes events to a structured logger. Transitions are logged at
// info level, per-call outcomes at debug to keep steady-state logs quiet.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) OnOutcome(name string, outcome Outcome, duration time.Duration) {
	s.Logger.Debug("call outcome",
		"name", name,
		"outcome", outcome.String(),
		"duration_ms", duration.Milliseconds(),
	)
}

func (s LogSink) OnStateTransition(name, from, to string) {
	s.Logger.Info("circuit breaker state change",
		"name", name,
		"from", from,
		"to", to,
	)
}
