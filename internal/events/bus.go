// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (specialist invoker, loop
// supervisor, session registry, memory store) to subscribers (the
// websocket stream, log tailers). The bus is nil-safe: calling Publish on
// a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSpecialist identifies events from the specialist invoker.
	SourceSpecialist = "specialist"
	// SourceLoop identifies events from the loop supervisor.
	SourceLoop = "loop"
	// SourceSession identifies events from the session registry.
	SourceSession = "session"
	// SourceMemory identifies events from the memory store.
	SourceMemory = "memory"
	// SourceUpstream identifies events from the upstream watchers.
	SourceUpstream = "upstream"
)

// Kind constants describe the type of event within a source.
const (
	// KindInvocation signals a completed specialist call.
	// Data: kind, session_id, digest, outcome, attempts, latency_ms,
	// error_kind.
	KindInvocation = "invocation"

	// KindRunStarted signals a loop run was created.
	// Data: run_id, session_id.
	KindRunStarted = "run_started"
	// KindRunIteration signals a loop run finished one iteration.
	// Data: run_id, session_id, iteration, score.
	KindRunIteration = "run_iteration"
	// KindRunFinished signals a loop run reached a terminal status.
	// Data: run_id, session_id, status, iterations, reason.
	KindRunFinished = "run_finished"

	// KindSessionCreated signals a new session.
	// Data: session_id, user_id.
	KindSessionCreated = "session_created"
	// KindSessionClosed signals an explicit close.
	// Data: session_id, user_id.
	KindSessionClosed = "session_closed"
	// KindSessionExpired signals the reaper expired a session.
	// Data: session_id, user_id.
	KindSessionExpired = "session_expired"

	// KindCompacted signals a successful compaction.
	// Data: user_id, key, from, to, bytes_before, bytes_after.
	KindCompacted = "compacted"
	// KindCompactionFailed signals a compaction attempt that failed.
	// Data: user_id, key, error.
	KindCompactionFailed = "compaction_failed"

	// KindUpstreamReady signals an upstream service became reachable.
	// Data: service.
	KindUpstreamReady = "upstream_ready"
	// KindUpstreamDown signals an upstream service stopped responding.
	// Data: service, error.
	KindUpstreamDown = "upstream_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
	dropped    atomic.Uint64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. A zero Timestamp is filled with the current time. Safe to
// call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// websocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
