package articles

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a simple in-process article store for local/dev use.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	articles map[int64]Article
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		articles: make(map[int64]Article),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, a Article) (Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = s.nextID
	s.nextID++
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if a.Slug == "" {
		a.Slug = Slugify(a.Title)
	}
	s.articles[a.ID] = a
	return a, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.articles[id]
	if !ok {
		return Article{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) GetBySlug(_ context.Context, slug string) (Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.articles {
		if a.Slug == slug {
			return a, nil
		}
	}
	return Article{}, ErrNotFound
}

func (s *MemoryStore) Update(_ context.Context, id int64, p Patch) (Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.articles[id]
	if !ok {
		return Article{}, ErrNotFound
	}
	if p.Title != nil {
		a.Title = *p.Title
	}
	if p.Content != nil {
		a.Content = *p.Content
	}
	if p.Excerpt != nil {
		a.Excerpt = *p.Excerpt
	}
	if p.ImageURL != nil {
		a.ImageURL = *p.ImageURL
	}
	if p.ImageCaption != nil {
		a.ImageCaption = *p.ImageCaption
	}
	now := s.now()
	a.UpdatedAt = &now
	s.articles[id] = a
	return a, nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.articles[id]; !ok {
		return ErrNotFound
	}
	delete(s.articles, id)
	return nil
}

func (s *MemoryStore) SetDraft(_ context.Context, id int64, draft bool) (Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.articles[id]
	if !ok {
		return Article{}, ErrNotFound
	}
	a.Draft = draft
	s.articles[id] = a
	return a, nil
}

func (s *MemoryStore) Search(_ context.Context, q Query) (SearchResult, error) {
	q = q.Normalize(20)
	kw := strings.ToLower(q.Keyword)

	s.mu.RLock()
	var matches []Article
	for _, a := range s.articles {
		switch q.Status {
		case StatusDraft:
			if !a.Draft {
				continue
			}
		case StatusPublished:
			if a.Draft {
				continue
			}
		}
		if kw != "" &&
			!strings.Contains(strings.ToLower(a.Title), kw) &&
			!strings.Contains(strings.ToLower(a.Content), kw) &&
			!strings.Contains(strings.ToLower(a.Excerpt), kw) {
			continue
		}
		matches = append(matches, a)
	}
	s.mu.RUnlock()

	// Newest first, ID as tiebreaker for equal timestamps.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	res := SearchResult{Articles: []Article{}, Total: len(matches)}
	if q.Offset >= len(matches) {
		return res, nil
	}
	end := min(q.Offset+q.Limit, len(matches))
	res.Articles = append(res.Articles, matches[q.Offset:end]...)
	return res, nil
}

func (s *MemoryStore) Close() error { return nil }
