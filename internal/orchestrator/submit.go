package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/planwright/internal/compaction"
	"github.com/nugget/planwright/internal/fault"
	"github.com/nugget/planwright/internal/memory"
	"github.com/nugget/planwright/internal/session"
	"github.com/nugget/planwright/internal/specialist"
)

// SubmitResult is the outcome of a submission. Exactly one of Result
// and RunID is set.
type SubmitResult struct {
	Kind      string            `json:"kind"`
	SessionID string            `json:"session_id"`
	Source    specialist.Source `json:"source,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	RunID     string            `json:"run_id,omitempty"`
	Created   bool              `json:"created,omitempty"`
	Recorded  []int64           `json:"recorded,omitempty"`
	Nudge     *specialist.Nudge `json:"nudge,omitempty"`
}

// resultKeys is where each kind's output is stored.
var resultKeys = map[specialist.Kind]string{
	specialist.KindPlan:     memory.KeyPlan,
	specialist.KindProgress: memory.KeyProgressMetrics,
	specialist.KindResource: memory.KeyResources,
	specialist.KindMotivate: memory.KeyNudges,
	specialist.KindEvaluate: memory.KeyEvaluation,
}

// Submit renews the session and dispatches payload by kind: "loop"
// starts a run, "record_progress" appends progress, and every
// specialist kind runs one call. An empty payload for optimize,
// progress, motivate or evaluate is filled from the user's stored
// history.
func (rt *Runtime) Submit(ctx context.Context, sessionID, kind string, payload json.RawMessage) (SubmitResult, error) {
	sess, err := rt.sessions.Touch(sessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{Kind: kind, SessionID: sessionID}

	switch kind {
	case KindLoop:
		h, created, err := rt.loops.Trigger(ctx, sessionID, sess.UserID)
		if err != nil {
			return SubmitResult{}, err
		}
		res.RunID, res.Created = h.RunID, created
		return res, nil
	case KindRecordProgress:
		return rt.recordProgress(ctx, sess, res, payload)
	}

	k, ok := specialist.ParseKind(kind)
	if !ok {
		return SubmitResult{}, fmt.Errorf("submit %q: %w: unknown kind", kind, fault.ErrInvalid)
	}
	if blank(payload) {
		if payload, err = rt.defaultInput(ctx, k, sess.UserID); err != nil {
			return SubmitResult{}, err
		}
	}

	resp, err := rt.invoker.Invoke(ctx, k, sessionID, specialist.Request{UserID: sess.UserID, Payload: payload})
	if err != nil {
		return SubmitResult{}, err
	}
	res.Source, res.Result = resp.Source, resp.Payload

	if err := rt.store(ctx, sess.UserID, k, resp); err != nil {
		return SubmitResult{}, err
	}
	return res, nil
}

// store appends a specialist's output under its result key. Optimize
// results store only the revised plan.
func (rt *Runtime) store(ctx context.Context, userID string, k specialist.Kind, resp specialist.Response) error {
	if k == specialist.KindOptimize {
		var opt specialist.Optimization
		if err := resp.Decode(&opt); err != nil {
			return fmt.Errorf("%w: %w", fault.ErrInvalid, err)
		}
		_, err := rt.memory.AppendJSON(ctx, userID, memory.KeyPlan, opt.Plan)
		return err
	}
	key, ok := resultKeys[k]
	if !ok {
		return nil
	}
	_, err := rt.memory.AppendJSON(ctx, userID, key, resp.Payload)
	return err
}

// recordProgress appends one record per task, recomputes metrics and,
// past the completion threshold, attaches a nudge.
func (rt *Runtime) recordProgress(ctx context.Context, sess session.Session, res SubmitResult, payload json.RawMessage) (SubmitResult, error) {
	tasks, err := specialist.ParseTasks(payload)
	if err != nil {
		return SubmitResult{}, err
	}
	for _, t := range tasks {
		v, err := rt.memory.AppendJSON(ctx, sess.UserID, memory.KeyProgress, t)
		if err != nil {
			return SubmitResult{}, err
		}
		res.Recorded = append(res.Recorded, v)
	}
	rt.logger.Debug("progress recorded",
		"session_id", sess.ID, "user_id", sess.UserID, "tasks", len(tasks))

	in, err := rt.progressInput(ctx, sess.UserID)
	if err != nil {
		return SubmitResult{}, err
	}
	resp, err := rt.invoker.Invoke(ctx, specialist.KindProgress, sess.ID, specialist.Request{UserID: sess.UserID, Payload: in})
	if err != nil {
		return SubmitResult{}, err
	}
	res.Source, res.Result = resp.Source, resp.Payload

	var m specialist.Metrics
	if err := resp.Decode(&m); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %w", fault.ErrInvalid, err)
	}
	if _, err := rt.memory.AppendJSON(ctx, sess.UserID, memory.KeyProgressMetrics, m); err != nil {
		return SubmitResult{}, err
	}
	if m.CompletedTasks < NudgeThreshold {
		return res, nil
	}

	req, err := specialist.NewRequest(sess.UserID, specialist.MotivateInput{Metrics: m, Topic: m.Topic})
	if err != nil {
		return SubmitResult{}, err
	}
	nresp, err := rt.invoker.Invoke(ctx, specialist.KindMotivate, sess.ID, req)
	if err != nil {
		// Progress is already stored; a missing nudge is not worth failing for.
		rt.logger.Warn("motivation nudge failed", "session_id", sess.ID, "error", err)
		return res, nil
	}
	var n specialist.Nudge
	if err := nresp.Decode(&n); err != nil {
		rt.logger.Warn("motivation nudge unreadable", "session_id", sess.ID, "error", err)
		return res, nil
	}
	if _, err := rt.memory.AppendJSON(ctx, sess.UserID, memory.KeyNudges, n); err != nil {
		return SubmitResult{}, err
	}
	res.Nudge = &n
	return res, nil
}

// defaultInput builds a kind's input from stored history.
func (rt *Runtime) defaultInput(ctx context.Context, k specialist.Kind, userID string) (json.RawMessage, error) {
	switch k {
	case specialist.KindProgress:
		return rt.progressInput(ctx, userID)
	case specialist.KindOptimize:
		plan, err := rt.plan(ctx, userID)
		if err != nil {
			return nil, err
		}
		m, err := rt.metrics(ctx, userID)
		if err != nil {
			return nil, err
		}
		return encode(specialist.OptimizeInput{Plan: plan, Metrics: m})
	case specialist.KindEvaluate:
		plan, err := rt.plan(ctx, userID)
		if err != nil {
			return nil, err
		}
		m, err := rt.metrics(ctx, userID)
		if err != nil {
			return nil, err
		}
		in := specialist.EvaluateInput{Metrics: m}
		if !plan.Empty() {
			in.Plan = &plan
		}
		return encode(in)
	case specialist.KindMotivate:
		m, err := rt.metrics(ctx, userID)
		if err != nil {
			return nil, err
		}
		return encode(specialist.MotivateInput{Metrics: m, Topic: m.Topic})
	}
	return nil, fmt.Errorf("%s: %w: payload required", k, fault.ErrInvalid)
}

func (rt *Runtime) progressInput(ctx context.Context, userID string) (json.RawMessage, error) {
	in, err := rt.progressHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	return encode(in)
}

func (rt *Runtime) progressHistory(ctx context.Context, userID string) (specialist.ProgressInput, error) {
	recs, err := rt.memory.Read(ctx, userID, memory.KeyProgress, 0)
	if err != nil {
		return specialist.ProgressInput{}, err
	}
	entries := make([]compaction.Entry, len(recs))
	for i, r := range recs {
		entries[i] = r.Entry()
	}
	return specialist.BuildProgressInput(entries, rt.now()), nil
}

func (rt *Runtime) plan(ctx context.Context, userID string) (specialist.Plan, error) {
	ps, err := rt.memory.Plan(ctx, userID)
	if err != nil {
		return specialist.Plan{}, err
	}
	p, err := specialist.PlanFromMap(ps.Plan)
	if err != nil {
		return specialist.Plan{}, fmt.Errorf("%w: %w", fault.ErrInvalid, err)
	}
	return p, nil
}

// metrics returns the latest stored progress metrics, computing them
// from the raw records when none are stored yet.
func (rt *Runtime) metrics(ctx context.Context, userID string) (specialist.Metrics, error) {
	rec, ok, err := rt.memory.Latest(ctx, userID, memory.KeyProgressMetrics)
	if err != nil {
		return specialist.Metrics{}, err
	}
	var m specialist.Metrics
	if ok && !rec.Summary && json.Unmarshal(rec.Payload, &m) == nil {
		return m, nil
	}
	in, err := rt.progressHistory(ctx, userID)
	if err != nil {
		return specialist.Metrics{}, err
	}
	return specialist.ComputeMetrics(in), nil
}

func encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w: %w", fault.ErrInvalid, err)
	}
	return data, nil
}

func blank(p json.RawMessage) bool {
	p = bytes.TrimSpace(p)
	return len(p) == 0 || bytes.Equal(p, []byte("null")) || bytes.Equal(p, []byte("{}"))
}
