package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/planwright/internal/fault"
	"github.com/nugget/planwright/internal/memory"
	"github.com/nugget/planwright/internal/observe"
	"github.com/nugget/planwright/internal/session"
	"github.com/nugget/planwright/internal/specialist"
)

// Archive namespaces.
const (
	archiveRuns       = "loop_runs"
	archiveSessionPfx = "loop_session_runs/"
)

// DefaultRetain is how many finished runs stay in memory before older
// ones are served from the archive only.
const DefaultRetain = 256

// Cancellation causes.
var (
	errCanceled    = errors.New("run canceled")
	errShutdown    = errors.New("supervisor shutting down")
	errSessionGone = errors.New("session expired")
)

// Invoker runs one specialist call.
type Invoker interface {
	Invoke(ctx context.Context, kind specialist.Kind, sessionID string, req specialist.Request) (specialist.Response, error)
}

// Memory is the subset of the memory store the loop reads and writes.
type Memory interface {
	Read(ctx context.Context, userID, key string, since int64) ([]memory.Record, error)
	Plan(ctx context.Context, userID string) (memory.PlanState, error)
	AppendJSON(ctx context.Context, userID, key string, v any) (int64, error)
}

// Sessions resolves a session. A missing session reports
// fault.ErrNotFound; the supervisor also treats any session that is no
// longer active as gone.
type Sessions interface {
	Get(id string) (session.Session, error)
}

// Observer receives run transitions and iteration scores.
type Observer interface {
	RecordRunTransition(observe.RunTransition)
	RecordIteration(runID, sessionID string, iteration int, score float64)
}

// Archive persists terminal run snapshots.
type Archive interface {
	SetJSON(ctx context.Context, namespace, key string, v any) error
	GetJSON(ctx context.Context, namespace, key string, v any) (bool, error)
	Set(ctx context.Context, namespace, key, value string) error
	List(ctx context.Context, namespace string) (map[string]string, error)
}

// Config bounds and tunes runs.
type Config struct {
	MaxIterations          int
	Deadline               time.Duration
	ConvergenceScore       float64
	MinImprovement         float64
	MaxConsecutiveFailures int
	MaxConcurrentRuns      int
	Retain                 int
}

// Deps are the collaborators of a Supervisor. Observer and Archive are
// optional.
type Deps struct {
	Invoker  Invoker
	Memory   Memory
	Sessions Sessions
	Observer Observer
	Archive  Archive
	Logger   *slog.Logger
}

// Supervisor owns every loop run in the process.
type Supervisor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	slots  chan struct{}

	mu        sync.Mutex
	closed    bool
	runs      map[string]*task  // run ID -> task, pruned past Retain
	active    map[string]string // session ID -> running run ID
	bySession map[string][]string
	finished  []string
	wg        sync.WaitGroup
}

type task struct {
	mu     sync.Mutex
	run    Run
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func (t *task) snapshot() Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.clone()
}

func (t *task) update(fn func(*Run)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.run)
}

// New creates a Supervisor.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Invoker == nil || deps.Memory == nil || deps.Sessions == nil {
		return nil, errors.New("loop: invoker, memory and sessions are required")
	}
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("loop: max iterations must be positive, got %d", cfg.MaxIterations)
	}
	if cfg.Deadline <= 0 {
		return nil, fmt.Errorf("loop: deadline must be positive, got %s", cfg.Deadline)
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 1
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		tracer:    otel.Tracer("planwright/loop"),
		now:       time.Now,
		slots:     make(chan struct{}, cfg.MaxConcurrentRuns),
		runs:      make(map[string]*task),
		active:    make(map[string]string),
		bySession: make(map[string][]string),
	}, nil
}

// Trigger starts a run for the session unless one is already running,
// in which case the existing run's handle is returned with created
// false. The run outlives ctx.
func (s *Supervisor) Trigger(ctx context.Context, sessionID, userID string) (Handle, bool, error) {
	if sessionID == "" || userID == "" {
		return Handle{}, false, fmt.Errorf("trigger loop: %w: session and user are required", fault.ErrInvalid)
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, false, fmt.Errorf("trigger loop: %w", err)
	}
	if err := s.sessionLive(sessionID); err != nil {
		return Handle{}, false, fmt.Errorf("trigger loop: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Handle{}, false, fmt.Errorf("trigger loop: %w: %w", fault.ErrTransient, errShutdown)
	}
	if id, ok := s.active[sessionID]; ok {
		return Handle{RunID: id, t: s.runs[id]}, false, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	now := s.now()
	base, cancelCause := context.WithCancelCause(context.Background())
	runCtx, stop := context.WithDeadline(base, now.Add(s.cfg.Deadline))
	cancel := func(cause error) {
		cancelCause(cause)
		stop()
	}

	t := &task{
		run: Run{
			RunID:          id.String(),
			SessionID:      sessionID,
			UserID:         userID,
			Status:         StatusRunning,
			StartedAt:      now,
			BudgetDeadline: now.Add(s.cfg.Deadline),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.runs[t.run.RunID] = t
	s.active[sessionID] = t.run.RunID
	s.bySession[sessionID] = append(s.bySession[sessionID], t.run.RunID)

	s.observe(observe.RunTransition{
		RunID: t.run.RunID, SessionID: sessionID, To: string(StatusRunning), At: now,
	})
	s.logger.Info("loop run started",
		"run_id", t.run.RunID, "session_id", sessionID, "user_id", userID,
		"deadline", t.run.BudgetDeadline)

	s.wg.Add(1)
	go s.execute(runCtx, t)
	return Handle{RunID: t.run.RunID, t: t}, true, nil
}

// Status returns a run snapshot from memory or, once pruned, from the
// archive.
func (s *Supervisor) Status(ctx context.Context, runID string) (Run, error) {
	s.mu.Lock()
	t, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		return t.snapshot(), nil
	}

	if s.deps.Archive != nil {
		var r Run
		found, err := s.deps.Archive.GetJSON(ctx, archiveRuns, runID, &r)
		if err != nil {
			return Run{}, fmt.Errorf("run %s: %w: %w", runID, fault.ErrTransient, err)
		}
		if found {
			return r, nil
		}
	}
	return Run{}, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
}

// Runs returns every known run for a session, oldest first.
func (s *Supervisor) Runs(ctx context.Context, sessionID string) ([]Run, error) {
	s.mu.Lock()
	ids := slices.Clone(s.bySession[sessionID])
	tasks := make([]*task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.runs[id]; ok {
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()

	seen := make(map[string]bool, len(tasks))
	out := make([]Run, 0, len(tasks))
	for _, t := range tasks {
		r := t.snapshot()
		seen[r.RunID] = true
		out = append(out, r)
	}

	if s.deps.Archive != nil {
		index, err := s.deps.Archive.List(ctx, archiveSessionPfx+sessionID)
		if err != nil {
			return nil, fmt.Errorf("list runs for %s: %w: %w", sessionID, fault.ErrTransient, err)
		}
		for id := range index {
			if seen[id] {
				continue
			}
			var r Run
			if ok, err := s.deps.Archive.GetJSON(ctx, archiveRuns, id, &r); err == nil && ok {
				out = append(out, r)
			}
		}
	}

	slices.SortFunc(out, func(a, b Run) int { return a.StartedAt.Compare(b.StartedAt) })
	return out, nil
}

// Cancel stops the session's running run at its next stage boundary.
// It reports whether a run was running.
func (s *Supervisor) Cancel(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[sessionID]
	if !ok {
		return false
	}
	s.runs[id].cancel(errCanceled)
	s.logger.Debug("loop run cancel requested", "run_id", id, "session_id", sessionID)
	return true
}

// Expire fails the session's running run with reason session_gone at
// its next stage boundary. It reports whether a run was running.
func (s *Supervisor) Expire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[sessionID]
	if !ok {
		return false
	}
	s.runs[id].cancel(errSessionGone)
	s.logger.Debug("loop run session expired", "run_id", id, "session_id", sessionID)
	return true
}

// sessionLive returns fault.ErrNotFound unless the session exists and
// is active.
func (s *Supervisor) sessionLive(id string) error {
	sess, err := s.deps.Sessions.Get(id)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusActive {
		return fmt.Errorf("session %s %s: %w", id, sess.Status, fault.ErrNotFound)
	}
	return nil
}

// Active returns the number of runs currently running or queued.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown refuses new runs, cancels the running ones and waits for
// them to finish or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, id := range s.active {
		s.runs[id].cancel(errShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("loop shutdown: %w", ctx.Err())
	}
}

func (s *Supervisor) execute(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer close(t.done)
	defer t.cancel(nil)

	run := t.snapshot()
	ctx, span := s.tracer.Start(ctx, "loop.Run",
		trace.WithAttributes(
			attribute.String("run_id", run.RunID),
			attribute.String("session_id", run.SessionID),
		))
	defer span.End()

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		status, reason := canceledStatus(ctx)
		s.finish(t, status, reason)
		return
	}
	defer func() { <-s.slots }()

	status, reason := s.iterate(ctx, t)
	final := s.finish(t, status, reason)
	span.SetAttributes(
		attribute.String("status", string(final.Status)),
		attribute.String("reason", final.Reason),
		attribute.Int("iterations", final.Iteration),
	)
}

// finish records the terminal status, archives the snapshot and
// releases the session's active slot.
func (s *Supervisor) finish(t *task, status Status, reason string) Run {
	now := s.now()
	t.update(func(r *Run) {
		r.Status = status
		r.Reason = reason
		r.FinishedAt = now
	})
	final := t.snapshot()

	if s.deps.Archive != nil {
		actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.deps.Archive.SetJSON(actx, archiveRuns, final.RunID, final); err != nil {
			s.logger.Warn("archive loop run failed", "run_id", final.RunID, "error", err)
		} else if err := s.deps.Archive.Set(actx, archiveSessionPfx+final.SessionID, final.RunID, final.StartedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			s.logger.Warn("index loop run failed", "run_id", final.RunID, "error", err)
		}
		cancel()
	}

	s.mu.Lock()
	if s.active[final.SessionID] == final.RunID {
		delete(s.active, final.SessionID)
	}
	s.finished = append(s.finished, final.RunID)
	s.pruneLocked()
	s.mu.Unlock()

	s.observe(observe.RunTransition{
		RunID:     final.RunID,
		SessionID: final.SessionID,
		From:      string(StatusRunning),
		To:        string(status),
		Iteration: final.Iteration,
		Reason:    reason,
		At:        now,
	})
	s.logger.Info("loop run finished",
		"run_id", final.RunID, "session_id", final.SessionID,
		"status", status, "reason", reason,
		"iterations", final.Iteration, "scores", final.Scores,
		"elapsed", now.Sub(final.StartedAt))
	return final
}

// pruneLocked drops the oldest finished runs from memory. Without an
// archive they are gone for good.
func (s *Supervisor) pruneLocked() {
	for len(s.finished) > s.cfg.Retain {
		id := s.finished[0]
		s.finished = s.finished[1:]
		t, ok := s.runs[id]
		if !ok {
			continue
		}
		delete(s.runs, id)
		sid := t.run.SessionID
		s.bySession[sid] = slices.DeleteFunc(s.bySession[sid], func(x string) bool { return x == id })
		if len(s.bySession[sid]) == 0 {
			delete(s.bySession, sid)
		}
	}
}

func (s *Supervisor) observe(tr observe.RunTransition) {
	if s.deps.Observer != nil {
		s.deps.Observer.RecordRunTransition(tr)
	}
}

// canceledStatus maps the cause of a done run context to a terminal
// status. An expired session fails the run; every other cancellation
// path aborts it.
func canceledStatus(ctx context.Context) (Status, string) {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errSessionGone):
		return StatusFailed, ReasonSessionGone
	case errors.Is(cause, errShutdown):
		return StatusAborted, ReasonShutdown
	case errors.Is(cause, context.DeadlineExceeded):
		return StatusAborted, ReasonWallClock
	default:
		return StatusAborted, ReasonCanceled
	}
}
