// Package observe keeps rolling aggregates over specialist invocations
// and loop run transitions. A single writer mutex guards the ring
// buffers; after every write an immutable [Snapshot] is swapped in
// through an atomic pointer so readers never wait on writers.
package observe

import (
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/planwright/internal/events"
)

// Outcome classifies a finished specialist invocation.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetried Outcome = "retried"
	OutcomeFailed  Outcome = "failed"
)

// Ring sizes.
const (
	DefaultRecentSize    = 64
	DefaultLatencyWindow = 256
)

// InvocationResult is emitted exactly once per specialist call.
type InvocationResult struct {
	Kind          string        `json:"kind"`
	SessionID     string        `json:"session_id"`
	RequestDigest string        `json:"request_digest"`
	Outcome       Outcome       `json:"outcome"`
	Attempts      int           `json:"attempts"`
	Latency       time.Duration `json:"latency_ns"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	At            time.Time     `json:"at"`
}

// RunTransition records a loop run changing status. From is empty when
// the run is first created.
type RunTransition struct {
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Iteration int       `json:"iteration"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// KindStats aggregates invocations of one specialist kind.
type KindStats struct {
	Calls       uint64        `json:"calls"`
	Success     uint64        `json:"success"`
	Retried     uint64        `json:"retried"`
	Failed      uint64        `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	P50         time.Duration `json:"p50_ns"`
	P95         time.Duration `json:"p95_ns"`
}

// Snapshot is a point-in-time, read-only view. It is eventually
// consistent with the recorded stream.
type Snapshot struct {
	Taken       time.Time            `json:"taken"`
	Invocations uint64               `json:"invocations"`
	Kinds       map[string]KindStats `json:"kinds"`
	ActiveRuns  int                  `json:"active_runs"`
	RunsStarted uint64               `json:"runs_started"`
	RunOutcomes map[string]uint64    `json:"run_outcomes"`
	Recent      []InvocationResult   `json:"recent,omitempty"`
	Transitions []RunTransition      `json:"transitions,omitempty"`
}

// Recorder is the single-writer, many-reader observability sink.
type Recorder struct {
	bus    *events.Bus
	logger *slog.Logger

	mu          sync.Mutex
	total       uint64
	kinds       map[string]*kindAgg
	stats       map[string]KindStats
	active      int
	started     uint64
	outcomes    map[string]uint64
	recent      ring[InvocationResult]
	transitions ring[RunTransition]
	window      int

	snap atomic.Pointer[Snapshot]
}

type kindAgg struct {
	calls, success, retried, failed uint64
	latencies                       ring[time.Duration]
}

// NewRecorder creates a Recorder that also broadcasts every record on
// bus. A nil bus is allowed.
func NewRecorder(bus *events.Bus, logger *slog.Logger) *Recorder {
	return NewRecorderSize(bus, logger, DefaultRecentSize, DefaultLatencyWindow)
}

// NewRecorderSize is NewRecorder with explicit ring sizes.
func NewRecorderSize(bus *events.Bus, logger *slog.Logger, recent, latencyWindow int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	recent = max(recent, 1)
	latencyWindow = max(latencyWindow, 1)
	r := &Recorder{
		bus:         bus,
		logger:      logger,
		kinds:       make(map[string]*kindAgg),
		stats:       make(map[string]KindStats),
		outcomes:    make(map[string]uint64),
		recent:      newRing[InvocationResult](recent),
		transitions: newRing[RunTransition](recent),
		window:      latencyWindow,
	}
	r.snap.Store(&Snapshot{
		Kinds:       map[string]KindStats{},
		RunOutcomes: map[string]uint64{},
	})
	return r
}

// RecordInvocation appends res to the stream and updates the kind's
// aggregates.
func (r *Recorder) RecordInvocation(res InvocationResult) {
	if res.At.IsZero() {
		res.At = time.Now()
	}

	r.mu.Lock()
	agg, ok := r.kinds[res.Kind]
	if !ok {
		agg = &kindAgg{latencies: newRing[time.Duration](r.window)}
		r.kinds[res.Kind] = agg
	}
	agg.calls++
	switch res.Outcome {
	case OutcomeSuccess:
		agg.success++
	case OutcomeRetried:
		agg.retried++
	default:
		agg.failed++
	}
	agg.latencies.push(res.Latency)
	r.stats[res.Kind] = agg.stats()
	r.total++
	r.recent.push(res)
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Debug("specialist invocation",
		"kind", res.Kind,
		"session_id", res.SessionID,
		"outcome", res.Outcome,
		"attempts", res.Attempts,
		"latency", res.Latency,
		"error_kind", res.ErrorKind,
	)

	r.bus.Publish(events.Event{
		Timestamp: res.At,
		Source:    events.SourceSpecialist,
		Kind:      events.KindInvocation,
		Data: map[string]any{
			"kind":       res.Kind,
			"session_id": res.SessionID,
			"digest":     res.RequestDigest,
			"outcome":    string(res.Outcome),
			"attempts":   res.Attempts,
			"latency_ms": res.Latency.Milliseconds(),
			"error_kind": res.ErrorKind,
		},
	})
}

// RecordRunTransition tracks active runs and terminal outcome counts.
// A transition to "running" from nothing counts as a new active run; a
// transition out of "running" releases it.
func (r *Recorder) RecordRunTransition(tr RunTransition) {
	if tr.At.IsZero() {
		tr.At = time.Now()
	}

	r.mu.Lock()
	switch {
	case tr.From == "" && tr.To == "running":
		r.active++
		r.started++
	case tr.From == "running" && tr.To != "running":
		if r.active > 0 {
			r.active--
		}
		r.outcomes[tr.To]++
	}
	r.transitions.push(tr)
	r.publishLocked()
	r.mu.Unlock()

	kind := events.KindRunFinished
	if tr.From == "" {
		kind = events.KindRunStarted
	}
	r.bus.Publish(events.Event{
		Timestamp: tr.At,
		Source:    events.SourceLoop,
		Kind:      kind,
		Data: map[string]any{
			"run_id":     tr.RunID,
			"session_id": tr.SessionID,
			"status":     tr.To,
			"iterations": tr.Iteration,
			"reason":     tr.Reason,
		},
	})
}

// RecordIteration broadcasts the end of one loop iteration. It does not
// change aggregates.
func (r *Recorder) RecordIteration(runID, sessionID string, iteration int, score float64) {
	r.bus.Publish(events.Event{
		Source: events.SourceLoop,
		Kind:   events.KindRunIteration,
		Data: map[string]any{
			"run_id":     runID,
			"session_id": sessionID,
			"iteration":  iteration,
			"score":      score,
		},
	})
}

// Snapshot returns the latest published view. It never blocks.
func (r *Recorder) Snapshot() *Snapshot {
	return r.snap.Load()
}

// publishLocked builds a fresh Snapshot. Caller holds r.mu.
func (r *Recorder) publishLocked() {
	s := &Snapshot{
		Taken:       time.Now(),
		Invocations: r.total,
		Kinds:       make(map[string]KindStats, len(r.stats)),
		ActiveRuns:  r.active,
		RunsStarted: r.started,
		RunOutcomes: make(map[string]uint64, len(r.outcomes)),
		Recent:      r.recent.items(),
		Transitions: r.transitions.items(),
	}
	for k, v := range r.stats {
		s.Kinds[k] = v
	}
	for k, v := range r.outcomes {
		s.RunOutcomes[k] = v
	}
	r.snap.Store(s)
}

func (a *kindAgg) stats() KindStats {
	st := KindStats{
		Calls:   a.calls,
		Success: a.success,
		Retried: a.retried,
		Failed:  a.failed,
	}
	if a.calls > 0 {
		st.SuccessRate = float64(a.success+a.retried) / float64(a.calls)
	}
	lat := a.latencies.items()
	slices.Sort(lat)
	st.P50 = percentile(lat, 0.50)
	st.P95 = percentile(lat, 0.95)
	return st
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = min(max(idx, 0), len(sorted)-1)
	return sorted[idx]
}

// ring is a fixed-capacity FIFO that overwrites its oldest element.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](size int) ring[T] {
	return ring[T]{buf: make([]T, size)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns a copy, oldest first.
func (r *ring[T]) items() []T {
	if !r.full {
		return slices.Clone(r.buf[:r.next])
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
