package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/planwright/internal/compaction"
	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/fault"
)

// Store serializes writes per (user, key), keeps an in-memory view of
// each touched key, and compacts a key synchronously when its payload
// total crosses the configured threshold.
type Store struct {
	backend   Backend
	config    CompactionConfig
	summarize SummarizeFunc
	logger    *slog.Logger
	bus       *events.Bus
	now       func() time.Time

	mu       sync.Mutex
	keys     map[keyRef]*keyState
	sessions map[string]string // session ID -> user ID

	appends            atomic.Uint64
	compactions        atomic.Uint64
	compactionFailures atomic.Uint64
}

type keyRef struct {
	user, key string
}

// keyState is never removed from Store.keys once created, so its mutex
// is the single serialization point for that key for the life of the
// process. Release only drops the cached records.
type keyState struct {
	mu      sync.Mutex
	loaded  bool
	records []Record
	bytes   int64
}

// Stats reports store activity since start plus durable totals when the
// backend can count them.
type Stats struct {
	CachedKeys         int            `json:"cached_keys"`
	BoundSessions      int            `json:"bound_sessions"`
	Appends            uint64         `json:"appends"`
	Compactions        uint64         `json:"compactions"`
	CompactionFailures uint64         `json:"compaction_failures"`
	Durable            *BackendCounts `json:"durable,omitempty"`
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, config CompactionConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:   backend,
		config:    config,
		summarize: compaction.Summarize,
		logger:    logger,
		now:       time.Now,
		keys:      make(map[keyRef]*keyState),
		sessions:  make(map[string]string),
	}
}

// SetEventBus attaches a bus for compaction events.
func (s *Store) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetSummarizer replaces the compaction transform.
func (s *Store) SetSummarizer(fn SummarizeFunc) {
	s.summarize = fn
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) state(userID, key string) *keyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := keyRef{userID, key}
	ks, ok := s.keys[ref]
	if !ok {
		ks = &keyState{}
		s.keys[ref] = ks
	}
	return ks
}

// loadLocked fills the cache from the backend. Caller holds ks.mu.
func (s *Store) loadLocked(ctx context.Context, userID, key string, ks *keyState) error {
	if ks.loaded {
		return nil
	}
	recs, err := s.backend.Get(ctx, userID, key, 0)
	if err != nil {
		return err
	}
	ks.records = recs
	ks.bytes = totalSize(recs)
	ks.loaded = true
	return nil
}

// Append stores payload as the next version of (userID, key) and
// returns that version. The write is durable before Append returns. A
// storage failure is reported as fault.ErrFatal; compaction failures
// are logged and never returned.
func (s *Store) Append(ctx context.Context, userID, key string, payload json.RawMessage) (int64, error) {
	if userID == "" || key == "" {
		return 0, fmt.Errorf("append: %w: user and key are required", fault.ErrInvalid)
	}
	if !json.Valid(payload) {
		return 0, fmt.Errorf("append %s/%s: %w: payload is not valid JSON", userID, key, fault.ErrInvalid)
	}

	ks := s.state(userID, key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := s.loadLocked(ctx, userID, key, ks); err != nil {
		return 0, fmt.Errorf("append %s/%s: %w: %w", userID, key, fault.ErrFatal, err)
	}

	rec, err := s.backend.Put(ctx, userID, key, payload, s.now())
	if err != nil {
		return 0, fmt.Errorf("append %s/%s: %w: %w", userID, key, fault.ErrFatal, err)
	}
	ks.records = append(ks.records, rec)
	ks.bytes += rec.Size()
	s.appends.Add(1)

	if s.config.NeedsCompaction(ks.bytes) {
		if _, err := s.compactLocked(ctx, userID, key, ks); err != nil {
			s.compactionFailures.Add(1)
			s.logger.Warn("compaction failed",
				"user_id", userID,
				"key", key,
				"bytes", ks.bytes,
				"error", err,
			)
			s.bus.Publish(events.Event{
				Source: events.SourceMemory,
				Kind:   events.KindCompactionFailed,
				Data:   map[string]any{"user_id": userID, "key": key, "error": err.Error()},
			})
		}
	}

	return rec.Version, nil
}

// AppendJSON marshals v and appends it.
func (s *Store) AppendJSON(ctx context.Context, userID, key string, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("append %s/%s: %w: %w", userID, key, fault.ErrInvalid, err)
	}
	return s.Append(ctx, userID, key, data)
}

// Read returns records with version > since, oldest first. Passing the
// last version a caller consumed resumes where it left off.
func (s *Store) Read(ctx context.Context, userID, key string, since int64) ([]Record, error) {
	ks := s.state(userID, key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := s.loadLocked(ctx, userID, key, ks); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w: %w", userID, key, fault.ErrTransient, err)
	}

	i, _ := slices.BinarySearchFunc(ks.records, since+1, func(r Record, v int64) int {
		switch {
		case r.Version < v:
			return -1
		case r.Version > v:
			return 1
		}
		return 0
	})
	return slices.Clone(ks.records[i:]), nil
}

// Latest returns the newest record for a key, if any.
func (s *Store) Latest(ctx context.Context, userID, key string) (Record, bool, error) {
	recs, err := s.Read(ctx, userID, key, 0)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[len(recs)-1], true, nil
}

// Plan folds the plan history into the current plan. A user with no
// plan yet gets an empty PlanState with Version 0.
func (s *Store) Plan(ctx context.Context, userID string) (PlanState, error) {
	recs, err := s.Read(ctx, userID, KeyPlan, 0)
	if err != nil {
		return PlanState{}, err
	}
	ps := PlanState{UserID: userID, Plan: make(map[string]any)}
	for _, r := range recs {
		if err := compaction.Fold(ps.Plan, r.Payload, r.Summary); err != nil {
			s.logger.Warn("skipping unreadable plan record",
				"user_id", userID, "version", r.Version, "error", err)
			continue
		}
		ps.Version = r.Version
		ps.Updated = r.Timestamp
	}
	return ps, nil
}

// DeleteUser removes every record the user holds and returns the
// number of keys cleared. Version numbering continues where it left
// off, so a reader resuming with Read(since) still sees later appends.
func (s *Store) DeleteUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("delete memory: %w: user is required", fault.ErrInvalid)
	}
	keys, err := s.backend.Keys(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete memory %s: %w: %w", userID, fault.ErrTransient, err)
	}
	s.mu.Lock()
	for ref := range s.keys {
		if ref.user == userID && !slices.Contains(keys, ref.key) {
			keys = append(keys, ref.key)
		}
	}
	s.mu.Unlock()
	slices.Sort(keys)

	for _, key := range keys {
		if err := s.purge(ctx, userID, key); err != nil {
			return 0, err
		}
	}
	s.logger.Info("deleted user memory", "user_id", userID, "keys", len(keys))
	return len(keys), nil
}

func (s *Store) purge(ctx context.Context, userID, key string) error {
	ks := s.state(userID, key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := s.backend.DeleteRange(ctx, userID, key, 0, math.MaxInt64); err != nil {
		return fmt.Errorf("purge %s/%s: %w: %w", userID, key, fault.ErrFatal, err)
	}
	ks.records = nil
	ks.bytes = 0
	ks.loaded = true
	return nil
}

// Bind associates a session with its user so Release can find the
// user's cached keys.
func (s *Store) Bind(sessionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = userID
}

// Release drops the cached records of the session's user when no other
// bound session refers to that user. Durable records are untouched.
func (s *Store) Release(sessionID string) {
	s.mu.Lock()
	userID, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sessionID)
	for _, u := range s.sessions {
		if u == userID {
			s.mu.Unlock()
			return
		}
	}
	var drop []*keyState
	for ref, ks := range s.keys {
		if ref.user == userID {
			drop = append(drop, ks)
		}
	}
	s.mu.Unlock()

	for _, ks := range drop {
		ks.mu.Lock()
		ks.records = nil
		ks.bytes = 0
		ks.loaded = false
		ks.mu.Unlock()
	}
	s.logger.Debug("released memory caches", "session_id", sessionID, "user_id", userID, "keys", len(drop))
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	st := Stats{BoundSessions: len(s.sessions)}
	states := make([]*keyState, 0, len(s.keys))
	for _, ks := range s.keys {
		states = append(states, ks)
	}
	s.mu.Unlock()

	for _, ks := range states {
		ks.mu.Lock()
		if ks.loaded {
			st.CachedKeys++
		}
		ks.mu.Unlock()
	}
	st.Appends = s.appends.Load()
	st.Compactions = s.compactions.Load()
	st.CompactionFailures = s.compactionFailures.Load()

	if c, ok := s.backend.(Counter); ok {
		counts, err := c.Counts(ctx)
		if err != nil {
			s.logger.Warn("memory backend counts failed", "error", err)
		} else {
			st.Durable = &counts
		}
	}
	return st
}

func totalSize(recs []Record) int64 {
	var n int64
	for _, r := range recs {
		n += r.Size()
	}
	return n
}
