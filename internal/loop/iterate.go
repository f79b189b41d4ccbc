package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/planwright/internal/compaction"
	"github.com/nugget/planwright/internal/fault"
	"github.com/nugget/planwright/internal/memory"
	"github.com/nugget/planwright/internal/specialist"
)

// halt ends a run from inside an iteration.
type halt struct {
	status Status
	reason string
}

// iterate runs iterations until convergence or a bound. It returns the
// terminal status and reason.
func (s *Supervisor) iterate(ctx context.Context, t *task) (Status, string) {
	run := t.snapshot()
	failures := 0
	var prev *float64

	for n := 1; n <= s.cfg.MaxIterations; n++ {
		it := Iteration{Number: n, At: s.now()}
		st := &iterState{}

		for _, stage := range []struct {
			kind specialist.Kind
			fn   func(context.Context, Run, *iterState) error
		}{
			{specialist.KindProgress, s.progressStage},
			{specialist.KindOptimize, s.optimizeStage},
			{specialist.KindEvaluate, s.evaluateStage},
		} {
			if end := s.checkpoint(ctx, run); end != nil {
				s.record(t, it)
				return end.status, end.reason
			}
			err := stage.fn(ctx, run, st)
			if err == nil {
				it.Stages = append(it.Stages, Stage{Kind: stage.kind, Status: StageOK})
				continue
			}
			it.Stages = append(it.Stages, Stage{
				Kind:      stage.kind,
				Status:    StageSkipped,
				ErrorKind: string(fault.KindOf(err)),
				Error:     err.Error(),
			})
			if end := s.stageFatal(ctx, run, stage.kind, err); end != nil {
				s.record(t, it)
				return end.status, end.reason
			}
			s.logger.Warn("loop stage skipped",
				"run_id", run.RunID, "session_id", run.SessionID,
				"iteration", n, "stage", stage.kind, "error", err)
		}

		if st.score != nil {
			score := *st.score
			it.Score = &score
		}
		s.record(t, it)

		if it.Score == nil && allSkipped(it) {
			failures++
			if failures >= s.cfg.MaxConsecutiveFailures {
				return StatusFailed, ReasonStageFailures
			}
			continue
		}
		failures = 0

		if it.Score == nil {
			continue
		}
		score := *it.Score
		if s.deps.Observer != nil {
			s.deps.Observer.RecordIteration(run.RunID, run.SessionID, n, score)
		}
		s.logger.Debug("loop iteration scored",
			"run_id", run.RunID, "session_id", run.SessionID,
			"iteration", n, "score", score)

		if score >= s.cfg.ConvergenceScore {
			return StatusConverged, ReasonThreshold
		}
		if prev != nil && score-*prev < s.cfg.MinImprovement {
			return StatusConverged, ReasonPlateau
		}
		prev = &score
	}
	return StatusAborted, ReasonMaxIterations
}

// record appends a finished or interrupted iteration to the run.
func (s *Supervisor) record(t *task, it Iteration) {
	t.update(func(r *Run) {
		r.Iteration = it.Number
		r.Iterations = append(r.Iterations, it)
		if it.Score != nil {
			r.Scores = append(r.Scores, *it.Score)
		}
	})
}

// checkpoint runs before every stage: cancellation and the wall clock
// abort the run, a vanished session fails it.
func (s *Supervisor) checkpoint(ctx context.Context, run Run) *halt {
	if ctx.Err() != nil {
		status, reason := canceledStatus(ctx)
		return &halt{status, reason}
	}
	if err := s.sessionLive(run.SessionID); err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return &halt{StatusFailed, ReasonSessionGone}
		}
		s.logger.Warn("loop session check failed", "run_id", run.RunID, "error", err)
	}
	return nil
}

// stageFatal decides whether a stage error ends the run.
func (s *Supervisor) stageFatal(ctx context.Context, run Run, kind specialist.Kind, err error) *halt {
	switch {
	case errors.Is(err, fault.ErrFatal):
		s.logger.Error("loop storage failure",
			"run_id", run.RunID, "stage", kind, "error", err)
		return &halt{StatusFailed, ReasonStorage}
	case errors.Is(err, fault.ErrNotFound):
		return &halt{StatusFailed, ReasonSessionGone}
	case ctx.Err() != nil:
		status, reason := canceledStatus(ctx)
		return &halt{status, reason}
	}
	return nil
}

func allSkipped(it Iteration) bool {
	for _, st := range it.Stages {
		if st.Status != StageSkipped {
			return false
		}
	}
	return len(it.Stages) > 0
}

// iterState carries stage outputs forward within one iteration.
type iterState struct {
	metrics *specialist.Metrics
	plan    *specialist.Plan
	score   *float64
}

func (s *Supervisor) progressStage(ctx context.Context, run Run, st *iterState) error {
	recs, err := s.deps.Memory.Read(ctx, run.UserID, memory.KeyProgress, 0)
	if err != nil {
		return fmt.Errorf("read progress: %w", err)
	}
	entries := make([]compaction.Entry, len(recs))
	for i, r := range recs {
		entries[i] = r.Entry()
	}

	var m specialist.Metrics
	if err := s.call(ctx, run, specialist.KindProgress, specialist.BuildProgressInput(entries, s.now()), &m); err != nil {
		return err
	}
	st.metrics = &m
	if _, err := s.deps.Memory.AppendJSON(ctx, run.UserID, memory.KeyProgressMetrics, m); err != nil {
		return fmt.Errorf("store progress metrics: %w", err)
	}
	return nil
}

func (s *Supervisor) optimizeStage(ctx context.Context, run Run, st *iterState) error {
	ps, err := s.deps.Memory.Plan(ctx, run.UserID)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	plan, err := specialist.PlanFromMap(ps.Plan)
	if err != nil {
		// An unreadable plan is rebuilt from the template.
		s.logger.Warn("discarding unreadable plan", "run_id", run.RunID, "error", err)
		plan = specialist.Plan{}
	}
	st.plan = &plan

	var opt specialist.Optimization
	in := specialist.OptimizeInput{Plan: plan, Metrics: s.metrics(st)}
	if err := s.call(ctx, run, specialist.KindOptimize, in, &opt); err != nil {
		return err
	}
	st.plan = &opt.Plan
	if _, err := s.deps.Memory.AppendJSON(ctx, run.UserID, memory.KeyPlan, opt.Plan); err != nil {
		return fmt.Errorf("store plan: %w", err)
	}
	return nil
}

func (s *Supervisor) evaluateStage(ctx context.Context, run Run, st *iterState) error {
	var ev specialist.Evaluation
	in := specialist.EvaluateInput{Plan: st.plan, Metrics: s.metrics(st)}
	if err := s.call(ctx, run, specialist.KindEvaluate, in, &ev); err != nil {
		return err
	}
	if _, err := s.deps.Memory.AppendJSON(ctx, run.UserID, memory.KeyEvaluation, ev); err != nil {
		return fmt.Errorf("store evaluation: %w", err)
	}
	score := ev.Score
	st.score = &score
	return nil
}

// metrics returns this iteration's progress metrics, or the zero value
// when the progress stage was skipped.
func (s *Supervisor) metrics(st *iterState) specialist.Metrics {
	if st.metrics == nil {
		return specialist.Metrics{}
	}
	return *st.metrics
}

func (s *Supervisor) call(ctx context.Context, run Run, kind specialist.Kind, in, out any) error {
	req, err := specialist.NewRequest(run.UserID, in)
	if err != nil {
		return err
	}
	resp, err := s.deps.Invoker.Invoke(ctx, kind, run.SessionID, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
