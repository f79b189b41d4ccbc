package observe

import (
	"sync"
	"testing"
	"time"

	"github.com/nugget/planwright/internal/events"
)

func TestRecordInvocation_Aggregates(t *testing.T) {
	r := NewRecorder(nil, nil)

	r.RecordInvocation(InvocationResult{Kind: "plan", Outcome: OutcomeSuccess, Latency: 10 * time.Millisecond})
	r.RecordInvocation(InvocationResult{Kind: "plan", Outcome: OutcomeRetried, Attempts: 2, Latency: 30 * time.Millisecond})
	r.RecordInvocation(InvocationResult{Kind: "plan", Outcome: OutcomeFailed, ErrorKind: "timeout", Latency: 90 * time.Millisecond})
	r.RecordInvocation(InvocationResult{Kind: "evaluate", Outcome: OutcomeSuccess, Latency: time.Millisecond})

	s := r.Snapshot()
	if s.Invocations != 4 {
		t.Errorf("Invocations = %d, want 4", s.Invocations)
	}
	plan := s.Kinds["plan"]
	if plan.Calls != 3 || plan.Success != 1 || plan.Retried != 1 || plan.Failed != 1 {
		t.Errorf("plan stats = %+v", plan)
	}
	if got, want := plan.SuccessRate, 2.0/3.0; got != want {
		t.Errorf("SuccessRate = %v, want %v", got, want)
	}
	if plan.P50 != 30*time.Millisecond {
		t.Errorf("P50 = %v, want 30ms", plan.P50)
	}
	if plan.P95 != 90*time.Millisecond {
		t.Errorf("P95 = %v, want 90ms", plan.P95)
	}
	if s.Kinds["evaluate"].SuccessRate != 1 {
		t.Errorf("evaluate SuccessRate = %v, want 1", s.Kinds["evaluate"].SuccessRate)
	}
	if len(s.Recent) != 4 || s.Recent[0].Kind != "plan" || s.Recent[3].Kind != "evaluate" {
		t.Errorf("Recent = %+v, want 4 entries oldest first", s.Recent)
	}
}

func TestRecordInvocation_RingOverwrites(t *testing.T) {
	r := NewRecorderSize(nil, nil, 3, 4)
	for i := 1; i <= 10; i++ {
		r.RecordInvocation(InvocationResult{
			Kind:    "progress",
			Outcome: OutcomeSuccess,
			Latency: time.Duration(i) * time.Millisecond,
		})
	}

	s := r.Snapshot()
	if len(s.Recent) != 3 {
		t.Fatalf("len(Recent) = %d, want 3", len(s.Recent))
	}
	if s.Recent[0].Latency != 8*time.Millisecond || s.Recent[2].Latency != 10*time.Millisecond {
		t.Errorf("Recent latencies = %v..%v, want 8ms..10ms", s.Recent[0].Latency, s.Recent[2].Latency)
	}
	// Latency window holds 7..10ms.
	if got := s.Kinds["progress"].P50; got != 8*time.Millisecond {
		t.Errorf("P50 = %v, want 8ms", got)
	}
	if got := s.Kinds["progress"].Calls; got != 10 {
		t.Errorf("Calls = %d, want 10", got)
	}
}

func TestRecordRunTransition(t *testing.T) {
	r := NewRecorder(nil, nil)

	r.RecordRunTransition(RunTransition{RunID: "a", To: "running"})
	r.RecordRunTransition(RunTransition{RunID: "b", To: "running"})
	if got := r.Snapshot().ActiveRuns; got != 2 {
		t.Fatalf("ActiveRuns = %d, want 2", got)
	}

	r.RecordRunTransition(RunTransition{RunID: "a", From: "running", To: "converged"})
	r.RecordRunTransition(RunTransition{RunID: "b", From: "running", To: "aborted"})

	s := r.Snapshot()
	if s.ActiveRuns != 0 {
		t.Errorf("ActiveRuns = %d, want 0", s.ActiveRuns)
	}
	if s.RunsStarted != 2 {
		t.Errorf("RunsStarted = %d, want 2", s.RunsStarted)
	}
	if s.RunOutcomes["converged"] != 1 || s.RunOutcomes["aborted"] != 1 {
		t.Errorf("RunOutcomes = %v", s.RunOutcomes)
	}
	if len(s.Transitions) != 4 {
		t.Errorf("len(Transitions) = %d, want 4", len(s.Transitions))
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	r := NewRecorder(nil, nil)
	r.RecordInvocation(InvocationResult{Kind: "plan", Outcome: OutcomeSuccess})
	before := r.Snapshot()

	r.RecordInvocation(InvocationResult{Kind: "plan", Outcome: OutcomeFailed})

	if before.Kinds["plan"].Calls != 1 {
		t.Errorf("earlier snapshot mutated: Calls = %d", before.Kinds["plan"].Calls)
	}
	if r.Snapshot().Kinds["plan"].Calls != 2 {
		t.Errorf("latest Calls = %d, want 2", r.Snapshot().Kinds["plan"].Calls)
	}
}

func TestRecorderBroadcasts(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	r := NewRecorder(bus, nil)
	r.RecordInvocation(InvocationResult{Kind: "motivate", SessionID: "s1", Outcome: OutcomeSuccess})
	r.RecordRunTransition(RunTransition{RunID: "r1", SessionID: "s1", To: "running"})
	r.RecordIteration("r1", "s1", 1, 72.5)
	r.RecordRunTransition(RunTransition{RunID: "r1", SessionID: "s1", From: "running", To: "converged"})

	want := []string{
		events.KindInvocation,
		events.KindRunStarted,
		events.KindRunIteration,
		events.KindRunFinished,
	}
	for i, k := range want {
		select {
		case e := <-ch:
			if e.Kind != k {
				t.Errorf("event %d kind = %q, want %q", i, e.Kind, k)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d: timed out", i)
		}
	}
}

func TestSnapshotConcurrentReaders(t *testing.T) {
	r := NewRecorder(nil, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s := r.Snapshot()
					_ = s.Kinds["plan"].Calls
				}
			}
		}()
	}

	for range 500 {
		r.RecordInvocation(InvocationResult{Kind: "plan", Outcome: OutcomeSuccess, Latency: time.Microsecond})
	}
	close(stop)
	wg.Wait()

	if got := r.Snapshot().Kinds["plan"].Calls; got != 500 {
		t.Errorf("Calls = %d, want 500", got)
	}
}

func TestPercentile(t *testing.T) {
	ms := func(n ...int) []time.Duration {
		out := make([]time.Duration, len(n))
		for i, v := range n {
			out[i] = time.Duration(v) * time.Millisecond
		}
		return out
	}
	tests := []struct {
		name string
		in   []time.Duration
		p    float64
		want time.Duration
	}{
		{"empty", nil, 0.5, 0},
		{"single", ms(7), 0.95, 7 * time.Millisecond},
		{"median of ten", ms(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), 0.5, 5 * time.Millisecond},
		{"p95 of ten", ms(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), 0.95, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentile(tt.in, tt.p); got != tt.want {
				t.Errorf("percentile = %v, want %v", got, tt.want)
			}
		})
	}
}
