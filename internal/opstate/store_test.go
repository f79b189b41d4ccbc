package opstate

import (
	"path/filepath"
	"testing"

	"github.com/nugget/planwright/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.DriverPureGo, database.Memory)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get(t.Context(), "ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetAndGet(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	if err := s.Set(ctx, "loop_runs", "run-1", `{"status":"converged"}`); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	val, err := s.Get(ctx, "loop_runs", "run-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != `{"status":"converged"}` {
		t.Errorf("Get() = %q", val)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	if err := s.Set(ctx, "ns", "key", "v1"); err != nil {
		t.Fatalf("Set(v1) error: %v", err)
	}
	if err := s.Set(ctx, "ns", "key", "v2"); err != nil {
		t.Fatalf("Set(v2) error: %v", err)
	}

	val, err := s.Get(ctx, "ns", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want %q after upsert", val, "v2")
	}
}

func TestJSON(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	type snap struct {
		Status    string `json:"status"`
		Iteration int    `json:"iteration"`
	}
	if err := s.SetJSON(ctx, "loop_runs", "r1", snap{"aborted", 3}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var got snap
	ok, err := s.GetJSON(ctx, "loop_runs", "r1", &got)
	if err != nil || !ok {
		t.Fatalf("GetJSON = %v, %v", ok, err)
	}
	if got.Status != "aborted" || got.Iteration != 3 {
		t.Errorf("got %+v", got)
	}

	ok, err = s.GetJSON(ctx, "loop_runs", "missing", &got)
	if err != nil || ok {
		t.Errorf("GetJSON(missing) = %v, %v", ok, err)
	}

	s.Set(ctx, "loop_runs", "bad", "{") //nolint:errcheck
	if _, err := s.GetJSON(ctx, "loop_runs", "bad", &got); err == nil {
		t.Error("GetJSON should fail on corrupt value")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	if err := s.Set(ctx, "ns", "key", "val"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Delete(ctx, "ns", "key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	val, err := s.Get(ctx, "ns", "key")
	if err != nil {
		t.Fatalf("Get() after delete error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q after delete, want empty", val)
	}

	// Deleting a non-existent key should not error.
	if err := s.Delete(ctx, "ns", "nope"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	if err := s.Set(ctx, "alpha", "key", "a-val"); err != nil {
		t.Fatalf("Set(alpha) error: %v", err)
	}
	if err := s.Set(ctx, "beta", "key", "b-val"); err != nil {
		t.Fatalf("Set(beta) error: %v", err)
	}

	aVal, _ := s.Get(ctx, "alpha", "key")
	bVal, _ := s.Get(ctx, "beta", "key")
	if aVal != "a-val" || bVal != "b-val" {
		t.Errorf("alpha/key = %q, beta/key = %q", aVal, bVal)
	}
}

func TestList(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	s.Set(ctx, "ns", "a", "1")    //nolint:errcheck
	s.Set(ctx, "ns", "b", "2")    //nolint:errcheck
	s.Set(ctx, "other", "c", "3") //nolint:errcheck

	result, err := s.List(ctx, "ns")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(result) != 2 || result["a"] != "1" || result["b"] != "2" {
		t.Errorf("List() = %v, want {a:1, b:2}", result)
	}

	empty, err := s.List(ctx, "empty")
	if err != nil {
		t.Fatalf("List(empty) error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("List(empty) = %v, want empty non-nil map", empty)
	}
}

func TestDeleteNamespace(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	s.Set(ctx, "target", "a", "1") //nolint:errcheck
	s.Set(ctx, "target", "b", "2") //nolint:errcheck
	s.Set(ctx, "other", "c", "3")  //nolint:errcheck

	if err := s.DeleteNamespace(ctx, "target"); err != nil {
		t.Fatalf("DeleteNamespace: %v", err)
	}
	if entries, _ := s.List(ctx, "target"); len(entries) != 0 {
		t.Errorf("target namespace has %d entries after delete, want 0", len(entries))
	}
	if v, _ := s.Get(ctx, "other", "c"); v != "3" {
		t.Errorf("other/c = %q, want %q (should be untouched)", v, "3")
	}
	if err := s.DeleteNamespace(ctx, "nonexistent"); err != nil {
		t.Errorf("DeleteNamespace(empty): %v", err)
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	db1, err := database.Open(database.DriverPureGo, dbPath)
	if err != nil {
		t.Fatalf("open(1): %v", err)
	}
	s1, err := NewStore(db1)
	if err != nil {
		t.Fatalf("NewStore(1): %v", err)
	}
	if err := s1.Set(t.Context(), "ns", "key", "persistent"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	db1.Close()

	db2, err := database.Open(database.DriverPureGo, dbPath)
	if err != nil {
		t.Fatalf("open(2): %v", err)
	}
	defer db2.Close()
	s2, err := NewStore(db2)
	if err != nil {
		t.Fatalf("NewStore(2): %v", err)
	}

	val, err := s2.Get(t.Context(), "ns", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "persistent" {
		t.Errorf("Get() = %q after reopen, want %q", val, "persistent")
	}
}

func TestNewStore_ClosedDB(t *testing.T) {
	db, err := database.Open(database.DriverPureGo, database.Memory)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	if _, err := NewStore(db); err == nil {
		t.Error("NewStore() should fail on a closed database")
	}
}
