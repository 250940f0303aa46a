package opstate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "opstate_test.db")
	s, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type pendingRecord struct {
	Operation string            `json:"operation"`
	Arguments map[string]string `json:"arguments"`
	CreatedAt time.Time         `json:"created_at"`
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	var v pendingRecord
	ok, err := s.Get("ns", "missing", &v)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Errorf("Get() found = true, want false for missing key")
	}
}

func TestSetAndGet(t *testing.T) {
	s := testStore(t)

	want := pendingRecord{
		Operation: "create_article",
		Arguments: map[string]string{"title": "X", "content": "Y"},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.Set("pending_actions", "C1:1700000000.0001", want); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	var got pendingRecord
	ok, err := s.Get("pending_actions", "C1:1700000000.0001", &got)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !ok {
		t.Fatal("Get() found = false, want true")
	}
	if got.Operation != want.Operation || got.Arguments["title"] != "X" || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)

	if err := s.Set("ns", "key", "v1"); err != nil {
		t.Fatalf("Set(v1) error: %v", err)
	}
	if err := s.Set("ns", "key", "v2"); err != nil {
		t.Fatalf("Set(v2) error: %v", err)
	}

	var val string
	if _, err := s.Get("ns", "key", &val); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want %q after upsert", val, "v2")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	if err := s.Set("ns", "key", "val"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Delete("ns", "key"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	var val string
	ok, err := s.Get("ns", "key", &val)
	if err != nil {
		t.Fatalf("Get() after delete error: %v", err)
	}
	if ok {
		t.Errorf("Get() found %q after delete, want absent", val)
	}
}

func TestDeleteMissing(t *testing.T) {
	s := testStore(t)

	if err := s.Delete("ns", "nope"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)

	if err := s.Set("pending_actions", "T1", "a-val"); err != nil {
		t.Fatalf("Set(pending) error: %v", err)
	}
	if err := s.Set("conversation_history", "T1", "b-val"); err != nil {
		t.Fatalf("Set(history) error: %v", err)
	}

	var a, b string
	if _, err := s.Get("pending_actions", "T1", &a); err != nil {
		t.Fatalf("Get(pending) error: %v", err)
	}
	if _, err := s.Get("conversation_history", "T1", &b); err != nil {
		t.Fatalf("Get(history) error: %v", err)
	}
	if a != "a-val" || b != "b-val" {
		t.Errorf("got %q/%q, want a-val/b-val", a, b)
	}

	if err := s.DeleteNamespace("pending_actions"); err != nil {
		t.Fatalf("DeleteNamespace() error: %v", err)
	}
	if ok, _ := s.Get("pending_actions", "T1", &a); ok {
		t.Error("pending_actions/T1 survived DeleteNamespace")
	}
	if ok, _ := s.Get("conversation_history", "T1", &b); !ok {
		t.Error("conversation_history/T1 removed by unrelated DeleteNamespace")
	}
}

func TestList(t *testing.T) {
	s := testStore(t)

	for _, k := range []string{"b", "a", "c"} {
		if err := s.Set("ns", k, map[string]string{"k": k}); err != nil {
			t.Fatalf("Set(%s) error: %v", k, err)
		}
	}

	entries, err := s.List("ns")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(entries))
	}
	for i, want := range []string{"a", "b", "c"} {
		if entries[i].Key != want {
			t.Errorf("entries[%d].Key = %q, want %q", i, entries[i].Key, want)
		}
		if entries[i].UpdatedAt.IsZero() {
			t.Errorf("entries[%d].UpdatedAt is zero", i)
		}
	}

	empty, err := s.List("other")
	if err != nil {
		t.Fatalf("List(other) error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("List(other) = %v, want empty non-nil slice", empty)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	want := pendingRecord{Operation: "delete_article", Arguments: map[string]string{"article_id": "42"}}
	if err := s1.Set("pending_actions", "T9", want); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	s2, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()

	var got pendingRecord
	ok, err := s2.Get("pending_actions", "T9", &got)
	if err != nil || !ok {
		t.Fatalf("Get() after reopen = %v, %v; want found", ok, err)
	}
	if got.Operation != want.Operation || got.Arguments["article_id"] != "42" {
		t.Errorf("Get() after reopen = %+v, want %+v", got, want)
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	if err := os.WriteFile(dbPath, []byte("{ this is not a database"), 0o644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	s, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewStore() on corrupt file error: %v", err)
	}
	defer s.Close()

	var v string
	if ok, err := s.Get("ns", "k", &v); err != nil || ok {
		t.Errorf("Get() on fresh store = %v, %v; want absent, nil", ok, err)
	}
	if err := s.Set("ns", "k", "v"); err != nil {
		t.Errorf("Set() on recovered store error: %v", err)
	}

	matches, _ := filepath.Glob(dbPath + ".corrupt-*")
	if len(matches) != 1 {
		t.Errorf("quarantined files = %v, want exactly one", matches)
	}
}

func TestCorruptValueReportedAbsent(t *testing.T) {
	s := testStore(t)

	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		"ns", "bad", "{not json", time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	entries, err := s.List("ns")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List() = %d entries, want corrupt row skipped", len(entries))
	}

	var v map[string]any
	ok, err := s.Get("ns", "bad", &v)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Error("Get() found corrupt entry, want absent")
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM operational_state WHERE key = 'bad'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("corrupt row still present after Get")
	}
}

func TestMismatchedTypeKeepsEntry(t *testing.T) {
	s := testStore(t)
	if err := s.Set("ns", "k", map[string]any{"operation": "delete_article"}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	var wrong []string
	ok, err := s.Get("ns", "k", &wrong)
	if err == nil || ok {
		t.Fatalf("Get() into mismatched type = %v, %v; want decode error", ok, err)
	}

	var right map[string]any
	ok, err = s.Get("ns", "k", &right)
	if err != nil || !ok {
		t.Fatalf("Get() after decode error = %v, %v; entry should survive", ok, err)
	}
	if right["operation"] != "delete_article" {
		t.Errorf("value = %v", right)
	}
}

func TestPureGoDriver(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "modernc.db")
	s, err := NewStoreWithDriver("sqlite", dbPath, nil)
	if err != nil {
		t.Fatalf("NewStoreWithDriver(sqlite) error: %v", err)
	}
	defer s.Close()

	if err := s.Set("ns", "k", 7); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	var n int
	if ok, err := s.Get("ns", "k", &n); err != nil || !ok || n != 7 {
		t.Errorf("Get() = %d, %v, %v; want 7, true, nil", n, ok, err)
	}
}

func TestConcurrentWriters(t *testing.T) {
	s := testStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("conv-%d", i%4)
			if err := s.Set("ns", key, i); err != nil {
				t.Errorf("Set(%s) error: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := s.List("ns")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("List() = %d entries, want 4", len(entries))
	}
}
