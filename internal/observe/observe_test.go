package observe

import (
	"sync"
	"testing"
	"time"
)

// captureSink records delivered events for assertions.
type captureSink struct {
	mu          sync.Mutex
	outcomes    []Outcome
	transitions []string
}

func (s *captureSink) OnOutcome(name string, outcome Outcome, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
}

func (s *captureSink) OnStateTransition(name, from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, from+"->"+to)
}

// stallSink blocks deliveries until released.
type stallSink struct {
	release chan struct{}
}

func (s *stallSink) OnOutcome(string, Outcome, time.Duration) { <-s.release }
func (s *stallSink) OnStateTransition(string, string, string) { <-s.release }

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(sink)

	d.Outcome("svc", Success, time.Millisecond)
	d.Outcome("svc", Failure, time.Millisecond)
	d.StateTransition("svc", "closed", "open")
	d.Close()

	if len(sink.outcomes) != 2 || sink.outcomes[0] != Success || sink.outcomes[1] != Failure {
		t.Fatalf("unexpected outcomes: %v", sink.outcomes)
	}
	if len(sink.transitions) != 1 || sink.transitions[0] != "closed->open" {
		t.Fatalf("unexpected transitions: %v", sink.transitions)
	}
	if d.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", d.Dropped())
	}
}

func TestDispatcher_StalledSinkNeverBlocksPublisher(t *testing.T) {
	sink := &stallSink{release: make(chan struct{})}
	d := NewDispatcher(sink)

	// Fill the queue past capacity while the sink is stalled. Every
	// publish must return promptly; the overflow is dropped and counted.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultQueueSize+100; i++ {
			d.Outcome("svc", Success, 0)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a stalled sink")
	}

	if d.Dropped() == 0 {
		t.Fatal("expected dropped events once the queue filled")
	}

	close(sink.release)
	d.Close()
}

func TestOutcome_Strings(t *testing.T) {
	cases := map[Outcome]string{
		Success:     "success",
		SlowSuccess: "slow_success",
		Failure:     "failure",
		SlowFailure: "slow_failure",
	}
	for o, want := range cases {
		if got := o.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
	if Success.Failed() || SlowSuccess.Failed() {
		t.Fatal("successes must not count as failed")
	}
	if !Failure.Failed() || !SlowFailure.Failed() {
		t.Fatal("failures must count as failed")
	}
}
