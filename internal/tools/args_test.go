package tools

import (
	"encoding/json"
	"testing"
)

func TestArgsPreservesOrder(t *testing.T) {
	var a Args
	if err := json.Unmarshal([]byte(`{"title":"X","content":"Y","draft":false,"article_id":12345678901234}`), &a); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	keys := a.Keys()
	want := []string{"title", "content", "draft", "article_id"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if got := string(data); got != `{"title":"X","content":"Y","draft":false,"article_id":12345678901234}` {
		t.Errorf("Marshal() = %s", got)
	}

	if id, ok := a.GetInt("article_id"); !ok || id != 12345678901234 {
		t.Errorf("GetInt(article_id) = %d, %v", id, ok)
	}
	if a.GetBool("draft", true) {
		t.Error("GetBool(draft) = true, want false")
	}
}

func TestArgsSetKeepsPosition(t *testing.T) {
	a := NewArgs("b", 1, "a", 2)
	a.Set("b", 3)
	a.Set("c", 4)

	data, _ := json.Marshal(a)
	if got := string(data); got != `{"b":3,"a":2,"c":4}` {
		t.Errorf("Marshal() = %s", got)
	}
}

func TestArgsAccessors(t *testing.T) {
	a := NewArgs(
		"s", "hello",
		"n", "42",
		"f", 3.0,
		"null", nil,
		"list", []any{"a", 2},
	)

	if got := a.GetString("s"); got != "hello" {
		t.Errorf("GetString(s) = %q", got)
	}
	if got := a.GetString("missing"); got != "" {
		t.Errorf("GetString(missing) = %q", got)
	}
	if n, ok := a.GetInt("n"); !ok || n != 42 {
		t.Errorf("GetInt(numeric string) = %d, %v", n, ok)
	}
	if n, ok := a.GetInt("f"); !ok || n != 3 {
		t.Errorf("GetInt(float) = %d, %v", n, ok)
	}
	if _, ok := a.GetInt("s"); ok {
		t.Error("GetInt(non-numeric) ok = true")
	}
	if a.Has("null") || a.OptString("null") != nil {
		t.Error("null argument reported present")
	}
	if p := a.OptString("s"); p == nil || *p != "hello" {
		t.Errorf("OptString(s) = %v", p)
	}
	if got := a.GetStrings("list"); len(got) != 2 || got[1] != "2" {
		t.Errorf("GetStrings(list) = %v", got)
	}
}

func TestArgsEqual(t *testing.T) {
	a := NewArgs("title", "X", "content", "Y")
	b := ArgsFromMap(map[string]any{"title": "X", "content": "Y"})

	if a.Equal(b) {
		t.Error("Equal() = true for different key order")
	}
	if !a.Equal(NewArgs("title", "X", "content", "Y")) {
		t.Error("Equal() = false for identical args")
	}
}

func TestArgsUnmarshalRejectsNonObject(t *testing.T) {
	var a Args
	if err := json.Unmarshal([]byte(`["title"]`), &a); err == nil {
		t.Error("Unmarshal(array) error = nil")
	}
	if err := json.Unmarshal([]byte(`null`), &a); err != nil || a.Len() != 0 {
		t.Errorf("Unmarshal(null) = %v, len %d", err, a.Len())
	}
}
