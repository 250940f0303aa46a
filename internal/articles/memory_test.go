package articles

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, err := s.Create(ctx, Article{Title: "Summer Piano Program", Content: "Pianos everywhere", Draft: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == 0 {
		t.Fatal("Create returned zero ID")
	}
	if a.Slug != "summer-piano-program" {
		t.Errorf("Slug = %q, want summer-piano-program", a.Slug)
	}

	got, err := s.GetBySlug(ctx, "summer-piano-program")
	if err != nil || got.ID != a.ID {
		t.Fatalf("GetBySlug = %+v, %v", got, err)
	}

	title := "Summer Pianos Return"
	updated, err := s.Update(ctx, a.ID, Patch{Title: &title})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Title != title || updated.UpdatedAt == nil {
		t.Errorf("Update = %+v, want new title and UpdatedAt", updated)
	}
	if updated.Content != "Pianos everywhere" {
		t.Errorf("Update clobbered content: %q", updated.Content)
	}

	pub, err := s.SetDraft(ctx, a.ID, false)
	if err != nil || pub.Draft {
		t.Fatalf("SetDraft(false) = %+v, %v", pub, err)
	}
	if pub.Status() != "published" {
		t.Errorf("Status() = %q, want published", pub.Status())
	}

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_Search(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, Article{
			Title:     fmt.Sprintf("Concert %d", i),
			Content:   "music",
			Draft:     i%2 == 0,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	_, _ = s.Create(ctx, Article{Title: "Gala", Content: "annual gala", CreatedAt: base})

	tests := []struct {
		name      string
		q         Query
		wantTotal int
		wantFirst string
		wantCount int
	}{
		{"all", Query{}, 6, "Concert 4", 6},
		{"drafts", Query{Status: StatusDraft}, 3, "Concert 4", 3},
		{"published", Query{Status: StatusPublished}, 3, "Concert 3", 3},
		{"keyword", Query{Keyword: "GALA"}, 1, "Gala", 1},
		{"paged", Query{Limit: 2, Offset: 1}, 6, "Concert 3", 2},
		{"offset past end", Query{Offset: 50}, 6, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Search(ctx, tt.q)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if res.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", res.Total, tt.wantTotal)
			}
			if len(res.Articles) != tt.wantCount {
				t.Fatalf("len(Articles) = %d, want %d", len(res.Articles), tt.wantCount)
			}
			if tt.wantCount > 0 && res.Articles[0].Title != tt.wantFirst {
				t.Errorf("first = %q, want %q", res.Articles[0].Title, tt.wantFirst)
			}
		})
	}
}

func TestQueryNormalize(t *testing.T) {
	q := Query{Limit: 500, Offset: -3}.Normalize(10)
	if q.Limit != MaxSearchLimit || q.Offset != 0 || q.Status != StatusAll {
		t.Errorf("Normalize = %+v", q)
	}
	if got := (Query{}).Normalize(10).Limit; got != 10 {
		t.Errorf("default limit = %d, want 10", got)
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Hello, World!":          "hello-world",
		"  Sing for Hope 2026  ": "sing-for-hope-2026",
		"":                       "",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
