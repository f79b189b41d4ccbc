// Package orchestrator is the control surface over the runtime. It
// resolves sessions, dispatches submissions to one specialist call or a
// loop run, stores results in the memory store, and assembles health
// reports. It carries no plan logic of its own.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/planwright/internal/buildinfo"
	"github.com/nugget/planwright/internal/connwatch"
	"github.com/nugget/planwright/internal/loop"
	"github.com/nugget/planwright/internal/memory"
	"github.com/nugget/planwright/internal/observe"
	"github.com/nugget/planwright/internal/session"
	"github.com/nugget/planwright/internal/specialist"
	"github.com/nugget/planwright/internal/usage"
)

// Submission kinds handled outside the specialist table.
const (
	KindLoop           = "loop"
	KindRecordProgress = "record_progress"
)

// NudgeThreshold is the number of completed tasks after which recording
// progress also produces a motivation nudge.
const NudgeThreshold = 3

// Sessions is the subset of the session registry the runtime uses.
type Sessions interface {
	Create(userID string) (session.Session, error)
	Touch(id string) (session.Session, error)
	Get(id string) (session.Session, error)
	Close(id string) error
	ListByUser(userID string) []session.Session
	Stats() session.Stats
	OnRelease(fn session.ReleaseFunc)
}

// Memory is the subset of the memory store the runtime uses.
type Memory interface {
	Bind(sessionID, userID string)
	Release(sessionID string)
	Read(ctx context.Context, userID, key string, since int64) ([]memory.Record, error)
	Latest(ctx context.Context, userID, key string) (memory.Record, bool, error)
	Plan(ctx context.Context, userID string) (memory.PlanState, error)
	AppendJSON(ctx context.Context, userID, key string, v any) (int64, error)
	DeleteUser(ctx context.Context, userID string) (int, error)
	Stats(ctx context.Context) memory.Stats
}

// Invoker runs one specialist call.
type Invoker interface {
	Invoke(ctx context.Context, kind specialist.Kind, sessionID string, req specialist.Request) (specialist.Response, error)
}

// Loops starts and inspects loop runs.
type Loops interface {
	Trigger(ctx context.Context, sessionID, userID string) (loop.Handle, bool, error)
	Status(ctx context.Context, runID string) (loop.Run, error)
	Runs(ctx context.Context, sessionID string) ([]loop.Run, error)
	Cancel(sessionID string) bool
	Expire(sessionID string) bool
	Active() int
}

// Observer exposes the observability snapshot.
type Observer interface {
	Snapshot() *observe.Snapshot
}

// Upstreams reports the reachability of external services.
type Upstreams interface {
	Status() []connwatch.Status
}

// Usage reports model token usage.
type Usage interface {
	Last24h(ctx context.Context) (map[string]usage.Summary, error)
}

// Deps are the runtime's collaborators. Observer, Upstreams and Usage
// are optional.
type Deps struct {
	Sessions  Sessions
	Memory    Memory
	Invoker   Invoker
	Loops     Loops
	Observer  Observer
	Upstreams Upstreams
	Usage     Usage
	Logger    *slog.Logger
}

// Runtime implements the control surface.
type Runtime struct {
	sessions  Sessions
	memory    Memory
	invoker   Invoker
	loops     Loops
	observer  Observer
	upstreams Upstreams
	usage     Usage
	logger    *slog.Logger
	now       func() time.Time
}

// New wires a Runtime and registers the session release hook that
// drops cached memory and cancels the session's loop run.
func New(deps Deps) (*Runtime, error) {
	if deps.Sessions == nil || deps.Memory == nil || deps.Invoker == nil || deps.Loops == nil {
		return nil, errors.New("orchestrator: sessions, memory, invoker and loops are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		sessions:  deps.Sessions,
		memory:    deps.Memory,
		invoker:   deps.Invoker,
		loops:     deps.Loops,
		observer:  deps.Observer,
		upstreams: deps.Upstreams,
		usage:     deps.Usage,
		logger:    logger,
		now:       time.Now,
	}
	rt.sessions.OnRelease(rt.released)
	return rt, nil
}

func (rt *Runtime) released(s session.Session) {
	rt.memory.Release(s.ID)
	stop := rt.loops.Cancel
	if s.Status == session.StatusExpired {
		stop = rt.loops.Expire
	}
	if stop(s.ID) {
		rt.logger.Info("stopped loop run for released session",
			"session_id", s.ID, "user_id", s.UserID, "status", s.Status)
	}
}

// CreateSession opens a session for userID.
func (rt *Runtime) CreateSession(userID string) (session.Session, error) {
	s, err := rt.sessions.Create(userID)
	if err != nil {
		return session.Session{}, err
	}
	rt.memory.Bind(s.ID, userID)
	rt.logger.Info("session created", "session_id", s.ID, "user_id", userID, "expires_at", s.ExpiresAt)
	return s, nil
}

// CloseSession ends a session. Release hooks run before it returns.
func (rt *Runtime) CloseSession(id string) error {
	if err := rt.sessions.Close(id); err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	return nil
}

// DeleteUserMemory cancels the user's running loop runs and removes
// every record the user holds. Sessions stay open.
func (rt *Runtime) DeleteUserMemory(ctx context.Context, userID string) (int, error) {
	for _, s := range rt.sessions.ListByUser(userID) {
		if s.Status == session.StatusActive && rt.loops.Cancel(s.ID) {
			rt.logger.Info("canceled loop run before memory delete", "session_id", s.ID, "user_id", userID)
		}
	}
	return rt.memory.DeleteUser(ctx, userID)
}

// Sessions lists a user's sessions.
func (rt *Runtime) Sessions(userID string) []session.Session {
	return rt.sessions.ListByUser(userID)
}

// RunStatus returns a loop run snapshot.
func (rt *Runtime) RunStatus(ctx context.Context, runID string) (loop.Run, error) {
	return rt.loops.Status(ctx, runID)
}

// Runs returns the loop run history of a session.
func (rt *Runtime) Runs(ctx context.Context, sessionID string) ([]loop.Run, error) {
	if _, err := rt.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	return rt.loops.Runs(ctx, sessionID)
}

// Health is a point-in-time view of the runtime. Status is "degraded"
// while any watched upstream is unreachable; the runtime keeps serving
// with deterministic specialists.
type Health struct {
	Status         string                   `json:"status"`
	Version        map[string]string        `json:"version"`
	Uptime         string                   `json:"uptime"`
	ActiveSessions int                      `json:"active_sessions"`
	ActiveRuns     int                      `json:"active_runs"`
	Sessions       session.Stats            `json:"sessions"`
	Memory         memory.Stats             `json:"memory"`
	Upstreams      []connwatch.Status       `json:"upstreams,omitempty"`
	ModelUsage     map[string]usage.Summary `json:"model_usage_24h,omitempty"`
	Observability  *observe.Snapshot        `json:"observability,omitempty"`
}

// Health assembles the current health report.
func (rt *Runtime) Health(ctx context.Context) Health {
	st := rt.sessions.Stats()
	h := Health{
		Status:         "ok",
		Version:        buildinfo.Info(),
		Uptime:         buildinfo.Uptime().Truncate(time.Second).String(),
		ActiveSessions: st.Active,
		ActiveRuns:     rt.loops.Active(),
		Sessions:       st,
		Memory:         rt.memory.Stats(ctx),
	}
	if rt.upstreams != nil {
		h.Upstreams = rt.upstreams.Status()
		for _, u := range h.Upstreams {
			if !u.Ready {
				h.Status = "degraded"
			}
		}
	}
	if rt.usage != nil {
		mu, err := rt.usage.Last24h(ctx)
		if err != nil {
			rt.logger.Warn("usage summary unavailable", "error", err)
		}
		h.ModelUsage = mu
	}
	if rt.observer != nil {
		h.Observability = rt.observer.Snapshot()
	}
	return h
}
