package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/newsdesk/internal/articles"
)

// DefaultListLimit is the page size of list_articles when none is given.
const DefaultListLimit = 10

var articleIDParam = map[string]any{
	"type":        []string{"integer", "string"},
	"description": "The numeric article ID",
}

// ArticleTools binds the article operations to a store.
type ArticleTools struct {
	store articles.Store
}

// RegisterArticleTools registers the article CRUD, publishing and
// search operations. Mutating operations are gated.
func RegisterArticleTools(r *Registry, store articles.Store) *ArticleTools {
	at := &ArticleTools{store: store}

	r.Register(&Tool{
		Name:        "create_article",
		Description: "Create a new newsletter article. New articles are drafts unless draft is false.",
		Class:       ClassGated,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":         map[string]any{"type": "string", "minLength": 1, "description": "Article headline"},
				"content":       map[string]any{"type": "string", "minLength": 1, "description": "Article body (markdown)"},
				"excerpt":       map[string]any{"type": "string", "description": "Short summary shown in listings"},
				"image_url":     map[string]any{"type": "string", "description": "Header image URL"},
				"image_caption": map[string]any{"type": "string", "description": "Caption for the header image"},
				"author":        map[string]any{"type": "string", "description": "Byline"},
				"draft":         map[string]any{"type": "boolean", "description": "Keep unpublished (default true)"},
			},
			"required": []string{"title", "content"},
		},
		Handler: at.handleCreate,
	})

	r.Register(&Tool{
		Name:        "update_article",
		Description: "Update fields of an existing article. Only the fields given are changed.",
		Class:       ClassGated,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"article_id":    articleIDParam,
				"title":         map[string]any{"type": "string"},
				"content":       map[string]any{"type": "string"},
				"excerpt":       map[string]any{"type": "string"},
				"image_url":     map[string]any{"type": "string"},
				"image_caption": map[string]any{"type": "string"},
			},
			"required": []string{"article_id"},
		},
		Handler: at.handleUpdate,
	})

	r.Register(&Tool{
		Name:        "delete_article",
		Description: "Permanently delete an article.",
		Class:       ClassGated,
		Parameters:  idOnlySchema(),
		Handler:     at.handleDelete,
	})

	r.Register(&Tool{
		Name:        "publish_article",
		Description: "Publish a draft article.",
		Class:       ClassGated,
		Parameters:  idOnlySchema(),
		Handler: func(ctx context.Context, args Args) (Result, error) {
			return at.setDraft(ctx, args, false)
		},
	})

	r.Register(&Tool{
		Name:        "unpublish_article",
		Description: "Return a published article to draft.",
		Class:       ClassGated,
		Parameters:  idOnlySchema(),
		Handler: func(ctx context.Context, args Args) (Result, error) {
			return at.setDraft(ctx, args, true)
		},
	})

	r.Register(&Tool{
		Name:        "read_article",
		Description: "Read one article by ID or slug.",
		Class:       ClassSafe,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"article_id": articleIDParam,
				"slug":       map[string]any{"type": "string", "description": "The article's URL slug"},
			},
			"anyOf": []any{
				map[string]any{"required": []string{"article_id"}},
				map[string]any{"required": []string{"slug"}},
			},
		},
		Handler: at.handleRead,
	})

	r.Register(&Tool{
		Name:        "search_articles",
		Description: "Search articles by keyword in title, excerpt and content.",
		Class:       ClassSafe,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"keyword": map[string]any{"type": "string"},
				"status":  statusParam(),
				"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": articles.MaxSearchLimit},
				"offset":  map[string]any{"type": "integer", "minimum": 0},
			},
		},
		Handler: at.handleSearch,
	})

	r.Register(&Tool{
		Name:        "list_articles",
		Description: "List recent articles, newest first.",
		Class:       ClassSafe,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": statusParam(),
				"limit":  map[string]any{"type": "integer", "minimum": 1, "maximum": articles.MaxSearchLimit},
			},
		},
		Handler: at.handleList,
	})

	return at
}

func idOnlySchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"article_id": articleIDParam},
		"required":   []string{"article_id"},
	}
}

func statusParam() map[string]any {
	return map[string]any{
		"type": "string",
		"enum": []string{string(articles.StatusAll), string(articles.StatusDraft), string(articles.StatusPublished)},
	}
}

// articleID extracts article_id or returns a validation failure.
func articleID(args Args) (int64, *Result) {
	id, ok := args.GetInt("article_id")
	if !ok || id <= 0 {
		res := Fail(KindValidation, "article_id must be a positive integer",
			"I need the numeric ID of the article.")
		return 0, &res
	}
	return id, nil
}

// storeFailure converts a store error into a result. A missing article
// is a not-found result; anything else is returned as an error so the
// registry reports a collaborator failure.
func storeFailure(err error, id int64, verb string) (Result, error) {
	if errors.Is(err, articles.ErrNotFound) {
		return Fail(KindNotFound, err.Error(), fmt.Sprintf("No article found with ID: %d", id)), nil
	}
	return Result{}, fmt.Errorf("%s article %d: %w", verb, id, err)
}

func (at *ArticleTools) handleCreate(ctx context.Context, args Args) (Result, error) {
	title := strings.TrimSpace(args.GetString("title"))
	content := args.GetString("content")
	if title == "" || strings.TrimSpace(content) == "" {
		return Fail(KindValidation, "title and content are required",
			"An article needs both a title and content."), nil
	}

	author := args.GetString("author")
	if author == "" {
		author = articles.DefaultAuthor
	}

	a, err := at.store.Create(ctx, articles.Article{
		Title:        title,
		Content:      content,
		Excerpt:      args.GetString("excerpt"),
		ImageURL:     args.GetString("image_url"),
		ImageCaption: args.GetString("image_caption"),
		Slug:         articles.Slugify(title),
		Author:       author,
		Draft:        args.GetBool("draft", true),
	})
	if err != nil {
		return Result{}, fmt.Errorf("create article: %w", err)
	}
	return OK(fmt.Sprintf("Created article '%s' (ID: %d)", a.Title, a.ID), a), nil
}

func (at *ArticleTools) handleUpdate(ctx context.Context, args Args) (Result, error) {
	id, fail := articleID(args)
	if fail != nil {
		return *fail, nil
	}

	p := articles.Patch{
		Title:        args.OptString("title"),
		Content:      args.OptString("content"),
		Excerpt:      args.OptString("excerpt"),
		ImageURL:     args.OptString("image_url"),
		ImageCaption: args.OptString("image_caption"),
	}
	if p.Empty() {
		return Fail(KindValidation, "no fields to update", "No fields provided to update"), nil
	}

	a, err := at.store.Update(ctx, id, p)
	if err != nil {
		return storeFailure(err, id, "update")
	}
	return OK(fmt.Sprintf("Updated article '%s' (ID: %d)", a.Title, a.ID), a), nil
}

func (at *ArticleTools) handleDelete(ctx context.Context, args Args) (Result, error) {
	id, fail := articleID(args)
	if fail != nil {
		return *fail, nil
	}

	a, err := at.store.Get(ctx, id)
	if err != nil {
		return storeFailure(err, id, "delete")
	}
	if err := at.store.Delete(ctx, id); err != nil {
		return storeFailure(err, id, "delete")
	}
	return OK(fmt.Sprintf("Deleted article '%s' (ID: %d)", a.Title, id), map[string]any{"id": id}), nil
}

func (at *ArticleTools) setDraft(ctx context.Context, args Args, draft bool) (Result, error) {
	id, fail := articleID(args)
	if fail != nil {
		return *fail, nil
	}

	verb := "publish"
	if draft {
		verb = "unpublish"
	}

	a, err := at.store.Get(ctx, id)
	if err != nil {
		return storeFailure(err, id, verb)
	}
	if a.Draft == draft {
		msg := fmt.Sprintf("Article '%s' is already published", a.Title)
		if draft {
			msg = fmt.Sprintf("Article '%s' is already a draft", a.Title)
		}
		return Fail(KindStale, "no state change", msg), nil
	}

	a, err = at.store.SetDraft(ctx, id, draft)
	if err != nil {
		return storeFailure(err, id, verb)
	}
	if draft {
		return OK(fmt.Sprintf("Unpublished article '%s' (ID: %d)", a.Title, id), a), nil
	}
	return OK(fmt.Sprintf("Published article '%s' (ID: %d)", a.Title, id), a), nil
}

func (at *ArticleTools) handleRead(ctx context.Context, args Args) (Result, error) {
	var (
		a   articles.Article
		err error
	)
	id, hasID := args.GetInt("article_id")
	slug := args.GetString("slug")

	switch {
	case hasID:
		a, err = at.store.Get(ctx, id)
	case slug != "":
		a, err = at.store.GetBySlug(ctx, slug)
	default:
		return Fail(KindValidation, "article_id or slug required",
			"Tell me the article ID or its slug."), nil
	}

	if errors.Is(err, articles.ErrNotFound) {
		ref := fmt.Sprintf("ID: %d", id)
		if !hasID {
			ref = "slug: " + slug
		}
		return Fail(KindNotFound, err.Error(), "No article found with "+ref), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read article: %w", err)
	}
	return OK(fmt.Sprintf("Found article '%s' (ID: %d, %s)", a.Title, a.ID, a.Status()), a), nil
}

func (at *ArticleTools) handleSearch(ctx context.Context, args Args) (Result, error) {
	q := articles.Query{
		Keyword: strings.TrimSpace(args.GetString("keyword")),
		Status:  articles.Status(args.GetString("status")),
	}
	if n, ok := args.GetInt("limit"); ok {
		q.Limit = int(n)
	}
	if n, ok := args.GetInt("offset"); ok {
		q.Offset = int(n)
	}
	return at.search(ctx, q.Normalize(DefaultListLimit))
}

func (at *ArticleTools) handleList(ctx context.Context, args Args) (Result, error) {
	q := articles.Query{Status: articles.Status(args.GetString("status"))}
	if n, ok := args.GetInt("limit"); ok {
		q.Limit = int(n)
	}
	return at.search(ctx, q.Normalize(DefaultListLimit))
}

func (at *ArticleTools) search(ctx context.Context, q articles.Query) (Result, error) {
	sr, err := at.store.Search(ctx, q)
	if err != nil {
		return Result{}, fmt.Errorf("search articles: %w", err)
	}
	if len(sr.Articles) == 0 {
		return OK("No articles found.", sr), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d article(s)", sr.Total)
	if sr.Total > len(sr.Articles) {
		fmt.Fprintf(&sb, ", showing %d", len(sr.Articles))
	}
	sb.WriteString(":")
	for _, a := range sr.Articles {
		fmt.Fprintf(&sb, "\n- [%d] %s (%s)", a.ID, a.Title, a.Status())
	}
	return OK(sb.String(), sr), nil
}
