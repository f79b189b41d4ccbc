// Package session owns the process-wide table of user sessions. Each
// session has a sliding time-to-live; a background reaper expires idle
// sessions and notifies release hooks so other components can drop
// per-session state.
//
// The table is split into fixed shards keyed by an FNV-1a hash of the
// session ID. A shard lock guards only map membership; each entry has
// its own mutex, so operations on unrelated sessions never contend.
package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/fault"
)

// Status is the lifecycle state of a session.
type Status string

// Session states. Expired and closed are terminal.
const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

const shardCount = 64

// DefaultGrace is how long terminal sessions stay visible before the
// reaper evicts them.
const DefaultGrace = 5 * time.Minute

// Session is a copy of a registry entry. Mutating it has no effect on
// the registry.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    Status    `json:"status"`
}

// ReleaseFunc is called once when a session leaves the active state,
// either by expiry or close. It runs outside registry locks.
type ReleaseFunc func(Session)

// Config controls registry timing.
type Config struct {
	TTL          time.Duration
	ReapInterval time.Duration
	Grace        time.Duration
}

// Stats summarizes the table.
type Stats struct {
	Total      int           `json:"total"`
	Active     int           `json:"active"`
	Expired    int           `json:"expired"`
	Closed     int           `json:"closed"`
	AverageAge time.Duration `json:"average_age_ns"`
}

// Registry is the sharded session table.
type Registry struct {
	config Config
	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time

	shards [shardCount]shard

	hookMu sync.RWMutex
	hooks  []ReleaseFunc

	runMu   sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	s       Session
	endedAt time.Time
}

// New creates a registry. TTL must be positive.
func New(cfg Config, logger *slog.Logger) (*Registry, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", cfg.TTL)
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r, nil
}

// SetEventBus attaches a bus for lifecycle events.
func (r *Registry) SetEventBus(bus *events.Bus) {
	r.bus = bus
}

// OnRelease registers a hook fired when a session expires or closes.
func (r *Registry) OnRelease(fn ReleaseFunc) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

func (r *Registry) lookup(id string) *entry {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.entries[id]
}

// Create registers a new active session for userID.
func (r *Registry) Create(userID string) (Session, error) {
	if userID == "" {
		return Session{}, fmt.Errorf("create session: %w: user id is required", fault.ErrInvalid)
	}

	now := r.now()
	s := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(r.config.TTL),
		Status:    StatusActive,
	}

	sh := r.shardFor(s.ID)
	sh.mu.Lock()
	sh.entries[s.ID] = &entry{s: s}
	sh.mu.Unlock()

	r.logger.Debug("session created", "session_id", s.ID, "user_id", userID)
	r.publish(events.KindSessionCreated, s)
	return s, nil
}

// Touch renews an active session. The new expiry is
// max(now, ExpiresAt) + TTL, so it always moves forward. A session that
// is absent, terminal, or already past its expiry is reported as
// fault.ErrNotFound; in the last case it is expired on the spot.
func (r *Registry) Touch(id string) (Session, error) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, fmt.Errorf("session %s: %w", id, fault.ErrNotFound)
	}

	now := r.now()
	e.mu.Lock()
	if e.s.Status == StatusActive && now.After(e.s.ExpiresAt) {
		s := r.endLocked(e, StatusExpired, now)
		e.mu.Unlock()
		r.released(s)
		return Session{}, fmt.Errorf("session %s expired: %w", id, fault.ErrNotFound)
	}
	if e.s.Status != StatusActive {
		status := e.s.Status
		e.mu.Unlock()
		return Session{}, fmt.Errorf("session %s %s: %w", id, status, fault.ErrNotFound)
	}

	base := e.s.ExpiresAt
	if now.After(base) {
		base = now
	}
	e.s.ExpiresAt = base.Add(r.config.TTL)
	s := e.s
	e.mu.Unlock()
	return s, nil
}

// Get returns the session without renewing it. An active session found
// past its expiry is expired before it is returned.
func (r *Registry) Get(id string) (Session, error) {
	e := r.lookup(id)
	if e == nil {
		return Session{}, fmt.Errorf("session %s: %w", id, fault.ErrNotFound)
	}

	now := r.now()
	e.mu.Lock()
	if e.s.Status == StatusActive && now.After(e.s.ExpiresAt) {
		s := r.endLocked(e, StatusExpired, now)
		e.mu.Unlock()
		r.released(s)
		return s, nil
	}
	s := e.s
	e.mu.Unlock()
	return s, nil
}

// Close ends a session. Closing an unknown or already terminal session
// is a no-op.
func (r *Registry) Close(id string) error {
	e := r.lookup(id)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	if e.s.Status != StatusActive {
		e.mu.Unlock()
		return nil
	}
	s := r.endLocked(e, StatusClosed, r.now())
	e.mu.Unlock()

	r.released(s)
	return nil
}

// ListByUser returns every session, in any state, owned by userID.
func (r *Registry) ListByUser(userID string) []Session {
	var out []Session
	r.each(func(e *entry) {
		if e.s.UserID == userID {
			out = append(out, e.s)
		}
	})
	return out
}

// Stats counts sessions by state.
func (r *Registry) Stats() Stats {
	var (
		st    Stats
		total time.Duration
		now   = r.now()
	)
	r.each(func(e *entry) {
		st.Total++
		switch e.s.Status {
		case StatusActive:
			st.Active++
			total += now.Sub(e.s.CreatedAt)
		case StatusExpired:
			st.Expired++
		case StatusClosed:
			st.Closed++
		}
	})
	if st.Active > 0 {
		st.AverageAge = total / time.Duration(st.Active)
	}
	return st
}

// each visits every entry with its lock held.
func (r *Registry) each(fn func(*entry)) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, e := range sh.entries {
			e.mu.Lock()
			fn(e)
			e.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
}

// endLocked moves e to a terminal status. Caller holds e.mu.
func (r *Registry) endLocked(e *entry, status Status, now time.Time) Session {
	e.s.Status = status
	e.endedAt = now
	return e.s
}

// released notifies hooks and subscribers that s left the active state.
func (r *Registry) released(s Session) {
	kind := events.KindSessionClosed
	if s.Status == StatusExpired {
		kind = events.KindSessionExpired
	}
	r.logger.Info("session ended", "session_id", s.ID, "user_id", s.UserID, "status", s.Status)
	r.publish(kind, s)

	r.hookMu.RLock()
	hooks := make([]ReleaseFunc, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(s)
	}
}

func (r *Registry) publish(kind string, s Session) {
	r.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   kind,
		Data:   map[string]any{"session_id": s.ID, "user_id": s.UserID},
	})
}
