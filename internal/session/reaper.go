package session

import (
	"context"
	"time"
)

// Reap expires active sessions past their expiry and evicts terminal
// sessions whose grace period has elapsed. It returns the number of
// sessions expired.
func (r *Registry) Reap() int {
	now := r.now()
	var expired []Session
	evicted := 0

	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			e.mu.Lock()
			switch {
			case e.s.Status == StatusActive && now.After(e.s.ExpiresAt):
				expired = append(expired, r.endLocked(e, StatusExpired, now))
			case e.s.Status != StatusActive && now.Sub(e.endedAt) > r.config.Grace:
				delete(sh.entries, id)
				evicted++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}

	for _, s := range expired {
		r.released(s)
	}
	if len(expired) > 0 || evicted > 0 {
		r.logger.Debug("session reap", "expired", len(expired), "evicted", evicted)
	}
	return len(expired)
}

// Start launches the reaper goroutine. It runs until ctx is cancelled
// or Stop is called. Calling Start twice is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop cancels the reaper and waits for it to exit. Safe to call
// multiple times or before Start.
func (r *Registry) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()

	r.logger.Info("session reaper started", "interval", r.config.ReapInterval, "ttl", r.config.TTL)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("session reaper stopped")
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}
