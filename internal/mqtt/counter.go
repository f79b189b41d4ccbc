package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/planwright/internal/events"
)

// DailyCounter tallies specialist invocations and finished loop runs
// for the current local day. It resets at local midnight.
type DailyCounter struct {
	mu          sync.Mutex
	invocations int64
	failures    int64
	runs        int64
	day         int
	loc         *time.Location
	now         func() time.Time
}

// NewDailyCounter creates a counter using loc for midnight detection.
// A nil loc means [time.Local].
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounter{loc: loc, now: time.Now}
	d.day = d.now().In(loc).YearDay()
	return d
}

// Observe counts one bus event. Events other than invocations and run
// completions are ignored.
func (d *DailyCounter) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	switch e.Kind {
	case events.KindInvocation:
		d.invocations++
		if outcome, _ := e.Data["outcome"].(string); outcome == "failed" {
			d.failures++
		}
	case events.KindRunFinished:
		d.runs++
	}
}

// Follow counts events from bus until the channel closes or done is
// closed.
func (d *DailyCounter) Follow(bus *events.Bus, done <-chan struct{}) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-done:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			d.Observe(e)
		}
	}
}

// Snapshot returns today's totals.
func (d *DailyCounter) Snapshot() (invocations, failures, runs int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.invocations, d.failures, d.runs
}

// maybeReset zeroes the totals when the local day changes. Must be
// called with d.mu held.
func (d *DailyCounter) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.day {
		d.invocations, d.failures, d.runs = 0, 0, 0
		d.day = today
	}
}
