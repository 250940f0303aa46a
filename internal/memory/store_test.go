package memory

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/newsdesk/internal/opstate"
)

func newTestState(t *testing.T, path string) *opstate.Store {
	t.Helper()
	s, err := opstate.NewStoreWithDriver("sqlite", path, nil)
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestStore(t *testing.T, maxMessages int) *Store {
	t.Helper()
	state := newTestState(t, filepath.Join(t.TempDir(), "memory.db"))
	return NewStore(state, maxMessages)
}

func TestAppend_OrderPreserved(t *testing.T) {
	s := newTestStore(t, 10)

	if err := s.Append("T1", RoleUser, "write about the gala"); err != nil {
		t.Fatalf("Append user: %v", err)
	}
	if err := s.Append("T1", RoleAssistant, "Here is a draft"); err != nil {
		t.Fatalf("Append assistant: %v", err)
	}
	if err := s.Append("T1", RoleSystem, "Action executed"); err != nil {
		t.Fatalf("Append system: %v", err)
	}

	msgs, err := s.Messages("T1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	wantRoles := []Role{RoleUser, RoleAssistant, RoleSystem}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(wantRoles))
	}
	for i, r := range wantRoles {
		if msgs[i].Role != r {
			t.Errorf("msgs[%d].Role = %q, want %q", i, msgs[i].Role, r)
		}
		if msgs[i].Timestamp.IsZero() {
			t.Errorf("msgs[%d].Timestamp is zero", i)
		}
	}
}

func TestAppend_CapDropsOldestFirst(t *testing.T) {
	const n = 10
	s := newTestStore(t, n)

	for i := 0; i < n+5; i++ {
		if err := s.Append("T1", RoleUser, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	msgs, err := s.Messages("T1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("got %d messages, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		want := fmt.Sprintf("msg-%d", i+5)
		if m.Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, m.Content, want)
		}
	}
}

func TestAppend_RejectsUnknownRole(t *testing.T) {
	s := newTestStore(t, 10)

	if err := s.Append("T1", Role("tool"), "x"); err == nil {
		t.Error("Append with unknown role succeeded, want error")
	}
	if err := s.Append("", RoleUser, "x"); err == nil {
		t.Error("Append with empty conversation id succeeded, want error")
	}
}

func TestDefaultCap(t *testing.T) {
	s := newTestStore(t, 0)
	if s.MaxMessages() != DefaultMaxMessages {
		t.Errorf("MaxMessages() = %d, want %d", s.MaxMessages(), DefaultMaxMessages)
	}
}

func TestRenderContext_Empty(t *testing.T) {
	s := newTestStore(t, 10)

	got, err := s.RenderContext("nobody")
	if err != nil {
		t.Fatalf("RenderContext: %v", err)
	}
	if got != "" {
		t.Errorf("RenderContext for empty conversation = %q, want empty", got)
	}
}

func TestRenderContext_Transcript(t *testing.T) {
	s := newTestStore(t, 10)

	_ = s.Append("T1", RoleUser, "Create an article about the summer piano program")
	_ = s.Append("T1", RoleAssistant, "Approval requested")
	_ = s.Append("T1", RoleSystem, "Action create_article executed by U1: success")

	got, err := s.RenderContext("T1")
	if err != nil {
		t.Fatalf("RenderContext: %v", err)
	}

	want := "PREVIOUS CONVERSATION HISTORY:\n" +
		"User: Create an article about the summer piano program\n" +
		"Assistant: Approval requested\n" +
		"System: Action create_article executed by U1: success\n"
	if !strings.HasPrefix(got, want) {
		t.Errorf("RenderContext =\n%s\nwant prefix\n%s", got, want)
	}

	again, _ := s.RenderContext("T1")
	if again != got {
		t.Error("RenderContext is not deterministic")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t, 10)

	_ = s.Append("T1", RoleUser, "hello")
	_ = s.Append("T2", RoleUser, "other thread")

	if err := s.Clear("T1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	msgs, _ := s.Messages("T1")
	if len(msgs) != 0 {
		t.Errorf("T1 has %d messages after Clear, want 0", len(msgs))
	}
	msgs, _ = s.Messages("T2")
	if len(msgs) != 1 {
		t.Errorf("T2 has %d messages, want 1 (Clear must not cross conversations)", len(msgs))
	}
}

func TestHistorySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")

	state, err := opstate.NewStoreWithDriver("sqlite", path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := NewStore(state, 10)
	_ = s.Append("T1", RoleUser, "remember me")
	state.Close()

	s2 := NewStore(newTestState(t, path), 10)
	msgs, err := s2.Messages("T1")
	if err != nil {
		t.Fatalf("Messages after restart: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "remember me" {
		t.Errorf("after restart got %+v, want one message", msgs)
	}
}

func TestConcurrentAppendsSameConversation(t *testing.T) {
	s := newTestStore(t, 100)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Append("T1", RoleUser, fmt.Sprintf("m%d", i)); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	msgs, _ := s.Messages("T1")
	if len(msgs) != 25 {
		t.Errorf("got %d messages, want 25 (lost update)", len(msgs))
	}
}

func TestFixedClock(t *testing.T) {
	s := newTestStore(t, 10)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	_ = s.Append("T1", RoleUser, "x")
	msgs, _ := s.Messages("T1")
	if !msgs[0].Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", msgs[0].Timestamp, fixed)
	}
}
