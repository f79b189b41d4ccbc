// Package loop supervises adaptive improvement runs. A run repeats
// progress, optimize and evaluate stages for one session until the
// evaluator's score converges or a bound is hit. Runs execute in the
// background; at most one is running per session.
package loop

import (
	"context"
	"time"

	"github.com/nugget/planwright/internal/specialist"
)

// Status is the lifecycle state of a run. Every state except
// StatusRunning is terminal.
type Status string

// Run statuses.
const (
	StatusRunning   Status = "running"
	StatusConverged Status = "converged"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Termination reasons.
const (
	ReasonThreshold     = "score_threshold"
	ReasonPlateau       = "no_improvement"
	ReasonMaxIterations = "max_iterations"
	ReasonWallClock     = "wall_clock"
	ReasonCanceled      = "canceled"
	ReasonShutdown      = "shutdown"
	ReasonSessionGone   = "session_gone"
	ReasonStorage       = "storage_failure"
	ReasonStageFailures = "stage_failures"
)

// StageStatus records how one stage of an iteration went.
type StageStatus string

// Stage statuses.
const (
	StageOK      StageStatus = "ok"
	StageSkipped StageStatus = "skipped"
)

// Stage is the outcome of one specialist call within an iteration.
type Stage struct {
	Kind      specialist.Kind `json:"kind"`
	Status    StageStatus     `json:"status"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Iteration is one progress, optimize, evaluate pass.
type Iteration struct {
	Number int       `json:"number"`
	Stages []Stage   `json:"stages"`
	Score  *float64  `json:"score,omitempty"`
	At     time.Time `json:"at"`
}

// Run is a snapshot of one loop run. Callers always receive copies.
type Run struct {
	RunID          string      `json:"run_id"`
	SessionID      string      `json:"session_id"`
	UserID         string      `json:"user_id"`
	Iteration      int         `json:"iteration"`
	Status         Status      `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	BudgetDeadline time.Time   `json:"budget_deadline"`
	FinishedAt     time.Time   `json:"finished_at,omitzero"`
	Scores         []float64   `json:"scores,omitempty"`
	Iterations     []Iteration `json:"iterations,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

func (r Run) clone() Run {
	out := r
	out.Scores = append([]float64(nil), r.Scores...)
	out.Iterations = make([]Iteration, len(r.Iterations))
	for i, it := range r.Iterations {
		it.Stages = append([]Stage(nil), it.Stages...)
		out.Iterations[i] = it
	}
	return out
}

// Handle refers to a run. It can be awaited or dropped; dropping it
// does not affect the run.
type Handle struct {
	RunID string
	t     *task
}

// Done is closed when the run reaches a terminal status.
func (h Handle) Done() <-chan struct{} {
	return h.t.done
}

// Snapshot returns the run's current state.
func (h Handle) Snapshot() Run {
	return h.t.snapshot()
}

// Wait blocks until the run finishes or ctx ends.
func (h Handle) Wait(ctx context.Context) (Run, error) {
	select {
	case <-h.t.done:
		return h.t.snapshot(), nil
	case <-ctx.Done():
		return h.t.snapshot(), ctx.Err()
	}
}
