package memory

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/nugget/planwright/internal/database"
)

func TestSQLiteBackend_PutAssignsVersions(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()
	now := time.Now()

	for want := int64(1); want <= 3; want++ {
		r, err := b.Put(ctx, "u1", "k", json.RawMessage(`{}`), now)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if r.Version != want {
			t.Errorf("version = %d, want %d", r.Version, want)
		}
	}
	// Keys are independent.
	r, _ := b.Put(ctx, "u1", "other", json.RawMessage(`{}`), now)
	if r.Version != 1 {
		t.Errorf("other key version = %d, want 1", r.Version)
	}
}

func TestSQLiteBackend_ReplaceChainsCovers(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()
	now := time.Now()

	for range 6 {
		if _, err := b.Put(ctx, "u1", "k", json.RawMessage(`{"n":1}`), now); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	r, err := b.Replace(ctx, "u1", "k", 1, 3, json.RawMessage(`{"kind":"summary"}`), now)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if r.Version != 3 || r.Covers.From != 1 || r.Covers.To != 3 {
		t.Errorf("first replace = v%d covers %+v", r.Version, r.Covers)
	}

	// Replacing a range that starts at a summary inherits its start.
	r, err = b.Replace(ctx, "u1", "k", 3, 5, json.RawMessage(`{"kind":"summary"}`), now)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if r.Covers.From != 1 || r.Covers.To != 5 {
		t.Errorf("second replace covers %+v, want 1..5", r.Covers)
	}

	recs, err := b.Get(ctx, "u1", "k", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(recs) != 2 || recs[0].Version != 5 || !recs[0].Summary || recs[1].Version != 6 {
		t.Errorf("records = %+v", recs)
	}
	if recs[0].Covers == nil || recs[0].Covers.From != 1 {
		t.Errorf("stored covers = %+v", recs[0].Covers)
	}
}

func TestSQLiteBackend_ReplaceMissingRange(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	if _, err := b.Replace(ctx, "u1", "k", 1, 2, json.RawMessage(`{}`), time.Now()); err == nil {
		t.Error("expected error replacing a missing range")
	}
	if _, err := b.Replace(ctx, "u1", "k", 3, 2, json.RawMessage(`{}`), time.Now()); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestSQLiteBackend_DeleteRange(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()
	for range 5 {
		b.Put(ctx, "u1", "k", json.RawMessage(`{}`), time.Now()) //nolint:errcheck
	}
	if err := b.DeleteRange(ctx, "u1", "k", 2, 4); err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	recs, _ := b.Get(ctx, "u1", "k", 0)
	if len(recs) != 2 || recs[0].Version != 1 || recs[1].Version != 5 {
		t.Errorf("records = %+v", recs)
	}
}

func TestSQLiteBackend_VersionsSurviveDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()
	now := time.Now()

	for range 3 {
		if _, err := b.Put(ctx, "u1", "k", json.RawMessage(`{}`), now); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.DeleteRange(ctx, "u1", "k", 0, math.MaxInt64); err != nil {
		t.Fatal(err)
	}
	keys, err := b.Keys(ctx, "u1")
	if err != nil || len(keys) != 0 {
		t.Errorf("Keys after delete = %v, %v", keys, err)
	}

	r, err := b.Put(ctx, "u1", "k", json.RawMessage(`{}`), now)
	if err != nil {
		t.Fatal(err)
	}
	if r.Version != 4 {
		t.Errorf("version after delete = %d, want 4", r.Version)
	}
}

func TestSQLiteBackend_CloseLeavesSharedDB(t *testing.T) {
	db, err := database.Open(database.DriverPureGo, database.Memory)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	b, err := NewSQLiteBackend(db)
	if err != nil {
		t.Fatal(err)
	}
	if err := NewStore(b, CompactionConfig{}, nil).Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.PingContext(t.Context()); err != nil {
		t.Errorf("shared db closed by backend: %v", err)
	}
}
