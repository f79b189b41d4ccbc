package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/planwright/internal/database"
	"github.com/nugget/planwright/internal/fault"
	"github.com/nugget/planwright/internal/memory"
	"github.com/nugget/planwright/internal/observe"
	"github.com/nugget/planwright/internal/opstate"
	"github.com/nugget/planwright/internal/session"
	"github.com/nugget/planwright/internal/specialist"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSessions is a session table the test can mutate mid-run.
type fakeSessions struct {
	mu   sync.Mutex
	live map[string]string
}

func (f *fakeSessions) Get(id string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.live[id]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", id, fault.ErrNotFound)
	}
	return session.Session{ID: id, UserID: user, Status: session.StatusActive}, nil
}

func (f *fakeSessions) add(id, user string) {
	f.mu.Lock()
	f.live[id] = user
	f.mu.Unlock()
}

func (f *fakeSessions) remove(id string) {
	f.mu.Lock()
	delete(f.live, id)
	f.mu.Unlock()
}

// hookInvoker runs hook before delegating to the real invoker. A hook
// error is returned as the call's result.
type hookInvoker struct {
	next Invoker
	hook func(ctx context.Context, kind specialist.Kind, sessionID string) error
}

func (h *hookInvoker) Invoke(ctx context.Context, kind specialist.Kind, sessionID string, req specialist.Request) (specialist.Response, error) {
	if h.hook != nil {
		if err := h.hook(ctx, kind, sessionID); err != nil {
			return specialist.Response{}, err
		}
	}
	return h.next.Invoke(ctx, kind, sessionID, req)
}

func blockUntilDone(ctx context.Context, _ specialist.Kind, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

type harness struct {
	sup      *Supervisor
	store    *memory.Store
	sessions *fakeSessions
	recorder *observe.Recorder
	invoker  *hookInvoker
}

func testConfig() Config {
	return Config{
		MaxIterations:          5,
		Deadline:               10 * time.Second,
		ConvergenceScore:       85,
		MinImprovement:         0.5,
		MaxConsecutiveFailures: 2,
		MaxConcurrentRuns:      4,
	}
}

// harnessOpts swaps collaborators of the default harness.
type harnessOpts struct {
	sessions Sessions
	memory   func(Memory) Memory
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, harnessOpts{})
}

func newHarnessWith(t *testing.T, cfg Config, opts harnessOpts) *harness {
	t.Helper()
	db, err := database.Open(database.DriverPureGo, database.Memory)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	backend, err := memory.NewSQLiteBackend(db)
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	archive, err := opstate.NewStore(db)
	if err != nil {
		t.Fatalf("opstate: %v", err)
	}

	logger := discardLogger()
	h := &harness{
		store:    memory.NewStore(backend, memory.DefaultCompactionConfig(), logger),
		sessions: &fakeSessions{live: map[string]string{"s1": "u1", "s2": "u2"}},
		recorder: observe.NewRecorder(nil, logger),
	}
	h.invoker = &hookInvoker{
		next: specialist.NewInvoker(specialist.NewFallbackTable(nil, logger), specialist.Config{
			MaxConcurrent: 8,
			Timeout:       time.Second,
			RetryCount:    1,
			BackoffBase:   time.Millisecond,
		}, h.recorder, logger),
	}

	var (
		sessions Sessions = h.sessions
		mem      Memory   = h.store
	)
	if opts.sessions != nil {
		sessions = opts.sessions
	}
	if opts.memory != nil {
		mem = opts.memory(mem)
	}
	h.sup, err = New(cfg, Deps{
		Invoker:  h.invoker,
		Memory:   mem,
		Sessions: sessions,
		Observer: h.recorder,
		Archive:  archive,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.sup.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return h
}

func (h *harness) recordTask(t *testing.T, user string, task map[string]any) {
	t.Helper()
	if _, err := h.store.AppendJSON(t.Context(), user, memory.KeyProgress, task); err != nil {
		t.Fatalf("append progress: %v", err)
	}
}

func wait(t *testing.T, h Handle) Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	r, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("run %s did not finish: %v", h.RunID, err)
	}
	return r
}

func TestNew_Validates(t *testing.T) {
	deps := Deps{Invoker: &hookInvoker{}, Memory: &memory.Store{}, Sessions: &fakeSessions{}}
	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"missing deps", testConfig(), Deps{}},
		{"zero iterations", Config{Deadline: time.Second}, deps},
		{"zero deadline", Config{MaxIterations: 1}, deps},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.deps); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRun_SingleTaskConverges(t *testing.T) {
	h := newHarness(t, testConfig())
	h.recordTask(t, "u1", map[string]any{"task": "tutorial", "completed": true, "duration_minutes": 30})

	handle, created, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first trigger should create a run")
	}
	r := wait(t, handle)

	if r.Status != StatusConverged && r.Status != StatusAborted {
		t.Fatalf("status = %s (%s), want converged or aborted", r.Status, r.Reason)
	}
	if r.Iteration < 1 || r.Iteration > 5 {
		t.Errorf("iteration = %d", r.Iteration)
	}
	if len(r.Scores) == 0 {
		t.Error("no scores recorded")
	}
	if r.FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}

	snap := h.recorder.Snapshot()
	if snap.Kinds["progress"].Success == 0 {
		t.Errorf("progress invocations = %+v", snap.Kinds["progress"])
	}
	if snap.ActiveRuns != 0 {
		t.Errorf("active runs = %d", snap.ActiveRuns)
	}

	for _, key := range []string{memory.KeyProgressMetrics, memory.KeyPlan, memory.KeyEvaluation} {
		recs, err := h.store.Read(t.Context(), "u1", key, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != r.Iteration {
			t.Errorf("%s records = %d, want %d", key, len(recs), r.Iteration)
		}
	}

	var m specialist.Metrics
	recs, _ := h.store.Read(t.Context(), "u1", memory.KeyProgressMetrics, 0)
	if err := json.Unmarshal(recs[0].Payload, &m); err != nil {
		t.Fatal(err)
	}
	if m.TotalTasks != 1 || m.CompletedTasks != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestTrigger_OneRunningRunPerSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.invoker.hook = blockUntilDone

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		ids     sync.Map
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, ok, err := h.sup.Trigger(context.Background(), "s1", "u1")
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				created.Add(1)
			}
			ids.Store(handle.RunID, true)
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Errorf("created = %d, want 1", got)
	}
	n := 0
	ids.Range(func(_, _ any) bool { n++; return true })
	if n != 1 {
		t.Errorf("distinct run IDs = %d, want 1", n)
	}
	if h.sup.Active() != 1 {
		t.Errorf("Active = %d", h.sup.Active())
	}

	handle, created2, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil || created2 {
		t.Fatalf("retrigger = %v, created %v", err, created2)
	}
	if !h.sup.Cancel("s1") {
		t.Fatal("Cancel reported no running run")
	}
	r := wait(t, handle)
	if r.Status != StatusAborted || r.Reason != ReasonCanceled {
		t.Errorf("canceled run = %s/%s", r.Status, r.Reason)
	}
	if h.sup.Active() != 0 {
		t.Errorf("Active after cancel = %d", h.sup.Active())
	}
}

func TestTrigger_NewRunAfterTerminal(t *testing.T) {
	h := newHarness(t, testConfig())

	first, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	wait(t, first)

	second, created, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !created || second.RunID == first.RunID {
		t.Errorf("expected a new run, got %s (created=%v)", second.RunID, created)
	}
	wait(t, second)
}

func TestTrigger_UnknownSession(t *testing.T) {
	h := newHarness(t, testConfig())
	_, _, err := h.sup.Trigger(t.Context(), "nope", "u1")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	_, _, err = h.sup.Trigger(t.Context(), "", "u1")
	if !errors.Is(err, fault.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestRun_OptimizeAlwaysFails(t *testing.T) {
	h := newHarness(t, testConfig())
	h.recordTask(t, "u1", map[string]any{"task": "reading", "completed": true, "duration_minutes": 45})
	h.invoker.hook = func(ctx context.Context, kind specialist.Kind, _ string) error {
		if kind == specialist.KindOptimize {
			return fmt.Errorf("optimizer down: %w", fault.ErrTransient)
		}
		return nil
	}

	handle, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	r := wait(t, handle)

	if !r.Status.Terminal() {
		t.Fatalf("status = %s", r.Status)
	}
	if r.Status == StatusFailed {
		t.Errorf("a single failing stage should not fail the run: %s", r.Reason)
	}
	for _, it := range r.Iterations {
		if len(it.Stages) != 3 {
			t.Fatalf("iteration %d stages = %+v", it.Number, it.Stages)
		}
		opt := it.Stages[1]
		if opt.Kind != specialist.KindOptimize || opt.Status != StageSkipped || opt.ErrorKind != string(fault.KindTransient) {
			t.Errorf("iteration %d optimize stage = %+v", it.Number, opt)
		}
		if it.Stages[2].Status != StageOK {
			t.Errorf("iteration %d evaluate stage = %+v", it.Number, it.Stages[2])
		}
	}
}

func TestRun_EveryStageFails(t *testing.T) {
	h := newHarness(t, testConfig())
	h.invoker.hook = func(context.Context, specialist.Kind, string) error {
		return fmt.Errorf("bad input: %w", fault.ErrInvalid)
	}

	handle, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	r := wait(t, handle)

	if r.Status != StatusFailed || r.Reason != ReasonStageFailures {
		t.Errorf("run = %s/%s, want failed/%s", r.Status, r.Reason, ReasonStageFailures)
	}
	if r.Iteration != 2 {
		t.Errorf("iteration = %d, want 2", r.Iteration)
	}
}

func TestRun_FatalStorageFails(t *testing.T) {
	h := newHarness(t, testConfig())
	h.invoker.hook = func(_ context.Context, kind specialist.Kind, _ string) error {
		if kind == specialist.KindOptimize {
			return fmt.Errorf("disk gone: %w", fault.ErrFatal)
		}
		return nil
	}

	handle, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	r := wait(t, handle)
	if r.Status != StatusFailed || r.Reason != ReasonStorage {
		t.Errorf("run = %s/%s", r.Status, r.Reason)
	}
	if r.Iteration != 1 || len(r.Iterations[0].Stages) != 2 {
		t.Errorf("iterations = %+v", r.Iterations)
	}
}

func TestRun_SessionGoneMidRun(t *testing.T) {
	h := newHarness(t, testConfig())
	h.invoker.hook = func(_ context.Context, kind specialist.Kind, sessionID string) error {
		if kind == specialist.KindProgress {
			h.sessions.remove(sessionID)
		}
		return nil
	}

	handle, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	r := wait(t, handle)
	if r.Status != StatusFailed || r.Reason != ReasonSessionGone {
		t.Errorf("run = %s/%s", r.Status, r.Reason)
	}
}

func newRegistry(t *testing.T, ttl time.Duration) *session.Registry {
	t.Helper()
	r, err := session.New(session.Config{TTL: ttl, ReapInterval: time.Hour}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestTrigger_TerminalSession(t *testing.T) {
	reg := newRegistry(t, time.Hour)
	h := newHarnessWith(t, testConfig(), harnessOpts{sessions: reg})

	s, err := reg.Create("u1")
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(s.ID); err != nil {
		t.Fatal(err)
	}

	_, created, err := h.sup.Trigger(t.Context(), s.ID, "u1")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if created || h.sup.Active() != 0 {
		t.Errorf("created = %v, active = %d", created, h.sup.Active())
	}
}

func TestRun_SessionExpiresMidRun(t *testing.T) {
	reg := newRegistry(t, 30*time.Millisecond)
	h := newHarnessWith(t, testConfig(), harnessOpts{sessions: reg})
	h.recordTask(t, "u1", map[string]any{"task": "tutorial", "completed": true, "duration_minutes": 30})

	s, err := reg.Create("u1")
	if err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	h.invoker.hook = func(ctx context.Context, _ specialist.Kind, _ string) error {
		if calls.Add(1) > 1 {
			return nil
		}
		select {
		case <-time.After(80 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	handle, _, err := h.sup.Trigger(t.Context(), s.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	r := wait(t, handle)
	if r.Status != StatusFailed || r.Reason != ReasonSessionGone {
		t.Errorf("run = %s/%s, want failed/%s", r.Status, r.Reason, ReasonSessionGone)
	}
	if got, _ := reg.Get(s.ID); got.Status != session.StatusExpired {
		t.Errorf("session status = %s, want expired", got.Status)
	}
}

func TestExpire_FailsRun(t *testing.T) {
	h := newHarness(t, testConfig())
	h.invoker.hook = blockUntilDone

	if h.sup.Expire("s1") {
		t.Error("Expire with no run reported true")
	}
	handle, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !h.sup.Expire("s1") {
		t.Fatal("Expire reported no running run")
	}
	r := wait(t, handle)
	if r.Status != StatusFailed || r.Reason != ReasonSessionGone {
		t.Errorf("run = %s/%s", r.Status, r.Reason)
	}
}

// evalWriteFails rejects evaluation appends with a transient error.
type evalWriteFails struct {
	Memory
}

func (m evalWriteFails) AppendJSON(ctx context.Context, userID, key string, v any) (int64, error) {
	if key == memory.KeyEvaluation {
		return 0, fmt.Errorf("append %s: %w", key, fault.ErrTransient)
	}
	return m.Memory.AppendJSON(ctx, userID, key, v)
}

func TestRun_UnstoredEvaluationNotScored(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 2
	h := newHarnessWith(t, cfg, harnessOpts{
		memory: func(m Memory) Memory { return evalWriteFails{m} },
	})
	h.recordTask(t, "u1", map[string]any{"task": "tutorial", "completed": true, "duration_minutes": 30})

	handle, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	r := wait(t, handle)
	if r.Status != StatusAborted || r.Reason != ReasonMaxIterations {
		t.Errorf("run = %s/%s, want aborted/%s", r.Status, r.Reason, ReasonMaxIterations)
	}
	if len(r.Scores) != 0 {
		t.Errorf("scores = %v, want none", r.Scores)
	}
	for _, it := range r.Iterations {
		if it.Score != nil {
			t.Errorf("iteration %d scored %v", it.Number, *it.Score)
		}
		if last := it.Stages[len(it.Stages)-1]; last.Kind != specialist.KindEvaluate || last.Status != StageSkipped {
			t.Errorf("iteration %d evaluate stage = %+v", it.Number, last)
		}
	}
}

func TestRun_WallClockDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Deadline = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.invoker.hook = blockUntilDone

	handle, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	r := wait(t, handle)
	if r.Status != StatusAborted || r.Reason != ReasonWallClock {
		t.Errorf("run = %s/%s", r.Status, r.Reason)
	}
	if r.FinishedAt.Before(r.StartedAt) {
		t.Errorf("finished %s before start %s", r.FinishedAt, r.StartedAt)
	}
}

func TestRun_MaxIterations(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3
	cfg.ConvergenceScore = 101
	cfg.MinImprovement = -1
	h := newHarness(t, cfg)

	handle, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	r := wait(t, handle)
	if r.Status != StatusAborted || r.Reason != ReasonMaxIterations {
		t.Errorf("run = %s/%s", r.Status, r.Reason)
	}
	if r.Iteration != 3 || len(r.Scores) != 3 {
		t.Errorf("iteration = %d, scores = %v", r.Iteration, r.Scores)
	}
}

func TestRun_GlobalCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRuns = 1
	cfg.MaxIterations = 2
	h := newHarness(t, cfg)

	var inflight, peak atomic.Int32
	h.invoker.hook = func(context.Context, specialist.Kind, string) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return nil
	}

	a, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := h.sup.Trigger(t.Context(), "s2", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Snapshot().Status; got != StatusRunning {
		t.Errorf("queued run status = %s, want running", got)
	}
	wait(t, a)
	wait(t, b)

	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrent stage calls = %d, want 1", p)
	}
}

func TestStatus_ArchivedAfterPrune(t *testing.T) {
	cfg := testConfig()
	cfg.Retain = 1
	h := newHarness(t, cfg)

	first, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	want := wait(t, first)

	second, _, err := h.sup.Trigger(t.Context(), "s2", "u2")
	if err != nil {
		t.Fatal(err)
	}
	wait(t, second)

	h.sup.mu.Lock()
	_, inMemory := h.sup.runs[first.RunID]
	h.sup.mu.Unlock()
	if inMemory {
		t.Fatal("first run should have been pruned")
	}

	got, err := h.sup.Status(t.Context(), first.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != want.Status || got.Iteration != want.Iteration || got.SessionID != "s1" {
		t.Errorf("archived = %+v, want %+v", got, want)
	}

	runs, err := h.sup.Runs(t.Context(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RunID != first.RunID {
		t.Errorf("Runs(s1) = %+v", runs)
	}

	if _, err := h.sup.Status(t.Context(), "missing"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("missing run err = %v", err)
	}
}

func TestShutdown_AbortsAndRefuses(t *testing.T) {
	h := newHarness(t, testConfig())
	h.invoker.hook = blockUntilDone

	handle, _, err := h.sup.Trigger(t.Context(), "s1", "u1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := h.sup.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	r := handle.Snapshot()
	if r.Status != StatusAborted || r.Reason != ReasonShutdown {
		t.Errorf("run = %s/%s", r.Status, r.Reason)
	}
	if _, _, err := h.sup.Trigger(t.Context(), "s2", "u2"); !errors.Is(err, fault.ErrTransient) {
		t.Errorf("trigger after shutdown err = %v", err)
	}
}

func TestCancel_NoRun(t *testing.T) {
	h := newHarness(t, testConfig())
	if h.sup.Cancel("s1") {
		t.Error("Cancel reported a run for an idle session")
	}
}
