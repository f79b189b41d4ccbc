package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/nugget/planwright/internal/fault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *fakeClock) {
	t.Helper()
	r, err := New(Config{TTL: ttl, ReapInterval: time.Hour, Grace: time.Minute}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	r.now = clock.Now
	return r, clock
}

func TestNew_RejectsZeroTTL(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error for zero TTL")
	}
}

func TestCreate(t *testing.T) {
	r, clock := newTestRegistry(t, time.Hour)

	s, err := r.Create("u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", s.ID, err)
	}
	if s.Status != StatusActive {
		t.Errorf("Status = %q, want active", s.Status)
	}
	if !s.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want now+1h", s.ExpiresAt)
	}
	if s.ExpiresAt.Before(s.CreatedAt) {
		t.Error("ExpiresAt before CreatedAt")
	}

	if _, err := r.Create(""); !errors.Is(err, fault.ErrInvalid) {
		t.Errorf("Create(\"\") err = %v, want ErrInvalid", err)
	}
}

func TestCreate_UniqueIDs(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)
	seen := make(map[string]bool)
	for range 1000 {
		s, _ := r.Create("u1")
		if seen[s.ID] {
			t.Fatalf("duplicate id %s", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestTouch_StrictlyIncreases(t *testing.T) {
	r, clock := newTestRegistry(t, time.Hour)
	s, _ := r.Create("u1")

	prev := s.ExpiresAt
	for _, step := range []time.Duration{0, time.Second, 0, 30 * time.Minute} {
		clock.Advance(step)
		got, err := r.Touch(s.ID)
		if err != nil {
			t.Fatalf("Touch: %v", err)
		}
		if !got.ExpiresAt.After(prev) {
			t.Fatalf("ExpiresAt %v did not advance past %v", got.ExpiresAt, prev)
		}
		prev = got.ExpiresAt
	}
}

func TestTouch_NotFound(t *testing.T) {
	r, clock := newTestRegistry(t, time.Hour)

	if _, err := r.Touch("missing"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}

	closed, _ := r.Create("u1")
	r.Close(closed.ID) //nolint:errcheck
	if _, err := r.Touch(closed.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("closed: err = %v, want ErrNotFound", err)
	}

	stale, _ := r.Create("u1")
	clock.Advance(2 * time.Hour)
	if _, err := r.Touch(stale.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("past expiry: err = %v, want ErrNotFound", err)
	}
	got, _ := r.Get(stale.ID)
	if got.Status != StatusExpired {
		t.Errorf("Status = %q, want expired", got.Status)
	}
}

func TestGet_NeverStaleActive(t *testing.T) {
	r, clock := newTestRegistry(t, time.Minute)
	s, _ := r.Create("u1")

	var released atomic.Int32
	r.OnRelease(func(Session) { released.Add(1) })

	clock.Advance(2 * time.Minute)
	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status == StatusActive {
		t.Fatal("Get returned an active session past its expiry")
	}
	if released.Load() != 1 {
		t.Errorf("release hooks fired %d times, want 1", released.Load())
	}
}

func TestClose_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)
	s, _ := r.Create("u1")

	var released []Session
	var mu sync.Mutex
	r.OnRelease(func(s Session) {
		mu.Lock()
		released = append(released, s)
		mu.Unlock()
	})

	for range 3 {
		if err := r.Close(s.ID); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if err := r.Close("unknown"); err != nil {
		t.Errorf("Close(unknown) = %v, want nil", err)
	}

	if len(released) != 1 || released[0].Status != StatusClosed {
		t.Errorf("released = %+v, want one closed session", released)
	}
}

func TestConcurrentTouch(t *testing.T) {
	const ttl = time.Minute
	r, _ := newTestRegistry(t, ttl)
	s, _ := r.Create("u1")

	// The clock is frozen, so every touch extends from the previous
	// expiry and the result is exact when no update is lost.
	const n = 200
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Touch(s.ID); err != nil {
				t.Errorf("Touch: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := r.Get(s.ID)
	want := s.CreatedAt.Add(ttl * (n + 1))
	if !got.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
}

func TestConcurrentIndependentSessions(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s, err := r.Create("u")
				if err != nil {
					t.Errorf("Create: %v", err)
					return
				}
				if _, err := r.Touch(s.ID); err != nil {
					t.Errorf("Touch: %v", err)
				}
				r.Close(s.ID) //nolint:errcheck
			}
		}()
	}
	wg.Wait()

	st := r.Stats()
	if st.Total != 800 || st.Closed != 800 || st.Active != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestReap(t *testing.T) {
	r, clock := newTestRegistry(t, time.Minute)

	var released atomic.Int32
	r.OnRelease(func(s Session) {
		if s.Status != StatusExpired {
			t.Errorf("released status = %q, want expired", s.Status)
		}
		released.Add(1)
	})

	idle, _ := r.Create("u1")
	busy, _ := r.Create("u2")

	clock.Advance(45 * time.Second)
	r.Touch(busy.ID) //nolint:errcheck
	clock.Advance(30 * time.Second)

	if n := r.Reap(); n != 1 {
		t.Fatalf("Reap expired %d, want 1", n)
	}
	if released.Load() != 1 {
		t.Errorf("hooks fired %d, want 1", released.Load())
	}
	if got, _ := r.Get(idle.ID); got.Status != StatusExpired {
		t.Errorf("idle status = %q, want expired", got.Status)
	}
	if got, _ := r.Get(busy.ID); got.Status != StatusActive {
		t.Errorf("busy status = %q, want active", got.Status)
	}

	// Reaping again is a no-op until the grace period passes.
	if n := r.Reap(); n != 0 {
		t.Errorf("second Reap expired %d, want 0", n)
	}
	if _, err := r.Get(idle.ID); err != nil {
		t.Errorf("expired session evicted too early: %v", err)
	}

	clock.Advance(2 * time.Minute)
	r.Reap()
	if _, err := r.Get(idle.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("Get after grace: err = %v, want ErrNotFound", err)
	}
}

func TestListByUserAndStats(t *testing.T) {
	r, clock := newTestRegistry(t, time.Hour)
	a, _ := r.Create("alice")
	r.Create("alice") //nolint:errcheck
	r.Create("bob")   //nolint:errcheck
	r.Close(a.ID)     //nolint:errcheck

	if got := len(r.ListByUser("alice")); got != 2 {
		t.Errorf("ListByUser(alice) = %d, want 2", got)
	}
	if got := len(r.ListByUser("carol")); got != 0 {
		t.Errorf("ListByUser(carol) = %d, want 0", got)
	}

	clock.Advance(10 * time.Minute)
	st := r.Stats()
	if st.Total != 3 || st.Active != 2 || st.Closed != 1 {
		t.Errorf("Stats = %+v", st)
	}
	if st.AverageAge != 10*time.Minute {
		t.Errorf("AverageAge = %v, want 10m", st.AverageAge)
	}
}

func TestStartStop(t *testing.T) {
	r, err := New(Config{TTL: 10 * time.Millisecond, ReapInterval: 5 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	expired := make(chan string, 1)
	r.OnRelease(func(s Session) { expired <- s.ID })

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	r.Start(ctx)
	r.Start(ctx) // second start is a no-op

	s, _ := r.Create("u1")
	select {
	case id := <-expired:
		if id != s.ID {
			t.Errorf("expired %s, want %s", id, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not expire the session")
	}

	r.Stop()
	r.Stop()
}
