// Package articles defines the contract newsdesk uses to talk to the
// newsletter article store. The store is the system of record; this
// package only adapts it.
package articles

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when an article does not exist.
var ErrNotFound = errors.New("article not found")

// MaxSearchLimit caps the number of results a single search returns.
const MaxSearchLimit = 100

// DefaultAuthor is recorded when a create request names no author.
const DefaultAuthor = "Newsletter Manager Bot"

// Article is one newsletter article.
type Article struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Excerpt      string     `json:"excerpt,omitempty"`
	Content      string     `json:"content"`
	ImageURL     string     `json:"image_url,omitempty"`
	ImageCaption string     `json:"image_caption,omitempty"`
	Slug         string     `json:"slug,omitempty"`
	Author       string     `json:"author,omitempty"`
	Draft        bool       `json:"draft"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// Status returns "draft" or "published".
func (a Article) Status() string {
	if a.Draft {
		return string(StatusDraft)
	}
	return string(StatusPublished)
}

// Patch holds the fields of an update. Nil fields are left unchanged.
type Patch struct {
	Title        *string
	Content      *string
	Excerpt      *string
	ImageURL     *string
	ImageCaption *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.Excerpt == nil &&
		p.ImageURL == nil && p.ImageCaption == nil
}

// Status filters searches by publication state.
type Status string

const (
	StatusAll       Status = "all"
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// Query describes a search. Zero Limit means the store default.
type Query struct {
	Keyword string
	Status  Status
	Limit   int
	Offset  int
}

// Normalize clamps limit/offset and defaults the status.
func (q Query) Normalize(defaultLimit int) Query {
	if q.Status == "" {
		q.Status = StatusAll
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > MaxSearchLimit {
		q.Limit = MaxSearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// SearchResult is one page of matches plus the total match count.
type SearchResult struct {
	Articles []Article `json:"articles"`
	Total    int       `json:"total"`
}

// Store is the article persistence contract.
type Store interface {
	Create(ctx context.Context, a Article) (Article, error)
	Get(ctx context.Context, id int64) (Article, error)
	GetBySlug(ctx context.Context, slug string) (Article, error)
	Update(ctx context.Context, id int64, p Patch) (Article, error)
	Delete(ctx context.Context, id int64) error
	SetDraft(ctx context.Context, id int64, draft bool) (Article, error)
	Search(ctx context.Context, q Query) (SearchResult, error)
	Close() error
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL slug from a title.
func Slugify(title string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(title), "-")
	return strings.Trim(s, "-")
}
