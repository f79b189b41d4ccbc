// Package connwatch tracks the reachability of the upstream services
// planwright depends on: the live model provider and the search
// instance.
//
// It is distinct from the specialist invoker's per-call retry, which
// absorbs sub-second transient failures. A watcher follows outages that
// last minutes: provider restarts, network partitions, expired keys.
//
// Each Watcher probes one service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s) with state transitions
//     published on the event bus
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nugget/planwright/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the delay before the first startup retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the standard schedule: 2s, 4s, 8s, 16s, 32s,
// 60s (capped), with 10 startup attempts and 60-second polling.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields with the defaults.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier <= 0 {
		s.Multiplier = d.Multiplier
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

func (s Schedule) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.InitialDelay
	b.MaxInterval = s.MaxDelay
	b.Multiplier = s.Multiplier
	b.RandomizationFactor = 0
	return b
}

// Service describes one upstream to watch.
type Service struct {
	// Name identifies the service in logs, events and health output
	// (e.g., "llm", "search").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Schedule controls retry timing. Zero fields take defaults.
	Schedule Schedule
}

// Status is the health of a watched service as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	svc    Service
	bus    *events.Bus
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the service answered its most recent probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.svc.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Failures:  w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.svc.Schedule
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, w.check(ctx)
	},
		backoff.WithBackOff(sched.backOff()),
		backoff.WithMaxTries(uint(sched.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Debug("startup probe failed, retrying",
				"service", w.svc.Name,
				"attempt", attempt,
				"max_retries", sched.MaxRetries,
				"next_delay", next.String(),
				"error", err,
			)
		}),
	)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		w.logger.Info("upstream connected", "service", w.svc.Name, "after_attempts", attempt)
	} else {
		w.logger.Warn("upstream unreachable at startup, entering background polling",
			"service", w.svc.Name, "attempts", attempt, "error", err)
	}

	ticker := time.NewTicker(sched.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && ctx.Err() == nil && !w.IsReady() {
				w.logger.Debug("upstream still unreachable", "service", w.svc.Name, "error", err)
			}
		}
	}
}

// check runs one probe, records it, and publishes a transition when
// readiness changes. Probes cut short by shutdown are not recorded.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.svc.Schedule.ProbeTimeout)
	err := w.svc.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	w.mu.Unlock()

	was := w.ready.Swap(err == nil)
	switch {
	case was && err != nil:
		w.logger.Warn("upstream became unreachable", "service", w.svc.Name, "error", err)
		w.bus.Publish(events.Event{
			Source: events.SourceUpstream,
			Kind:   events.KindUpstreamDown,
			Data:   map[string]any{"service": w.svc.Name, "error": err.Error()},
		})
	case !was && err == nil:
		w.logger.Info("upstream ready", "service", w.svc.Name)
		w.bus.Publish(events.Event{
			Source: events.SourceUpstream,
			Kind:   events.KindUpstreamReady,
			Data:   map[string]any{"service": w.svc.Name},
		})
	}
	return err
}

// Manager coordinates the service watchers. A nil *Manager reports no
// services.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// SetEventBus publishes readiness transitions of watchers started
// afterwards to bus.
func (m *Manager) SetEventBus(bus *events.Bus) {
	m.mu.Lock()
	m.bus = bus
	m.mu.Unlock()
}

// Watch registers and starts a watcher for svc. It runs until ctx is
// canceled or Stop is called.
func (m *Manager) Watch(ctx context.Context, svc Service) (*Watcher, error) {
	if svc.Name == "" {
		return nil, errors.New("connwatch: service name is required")
	}
	if svc.Probe == nil {
		return nil, fmt.Errorf("connwatch: service %s has no probe", svc.Name)
	}
	svc.Schedule = svc.Schedule.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.watchers[svc.Name]; dup {
		return nil, fmt.Errorf("connwatch: service %s already watched", svc.Name)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		svc:    svc,
		bus:    m.bus,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.watchers[svc.Name] = w
	go w.run(wctx)
	return w, nil
}

// Ready reports whether the named service is reachable. Unwatched
// services are reported ready so callers only degrade on known outages.
func (m *Manager) Ready(name string) bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	return !ok || w.IsReady()
}

// Status returns the health of all watched services ordered by name.
func (m *Manager) Status() []Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
