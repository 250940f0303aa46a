package articles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore talks to the `news` table of the newsletter database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS news (
			id                 BIGSERIAL PRIMARY KEY,
			news_title         TEXT NOT NULL,
			news_excerpt       TEXT,
			newscontent        TEXT NOT NULL,
			news_image         TEXT,
			news_image_caption TEXT,
			news_url           TEXT,
			news_author        TEXT,
			news_date          TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			news_updated       TIMESTAMPTZ,
			draft              BOOLEAN NOT NULL DEFAULT TRUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_news_created ON news (created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_news_url ON news (news_url);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const articleColumns = `id, news_title, news_excerpt, newscontent, news_image,
	news_image_caption, news_url, news_author, created_at, news_updated, draft`

func scanArticle(row pgx.Row) (Article, error) {
	var (
		a                                     Article
		excerpt, image, caption, slug, author *string
		updated                               *time.Time
	)
	err := row.Scan(&a.ID, &a.Title, &excerpt, &a.Content, &image,
		&caption, &slug, &author, &a.CreatedAt, &updated, &a.Draft)
	if errors.Is(err, pgx.ErrNoRows) {
		return Article{}, ErrNotFound
	}
	if err != nil {
		return Article{}, err
	}
	a.Excerpt = deref(excerpt)
	a.ImageURL = deref(image)
	a.ImageCaption = deref(caption)
	a.Slug = deref(slug)
	a.Author = deref(author)
	a.UpdatedAt = updated
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) Create(ctx context.Context, a Article) (Article, error) {
	if a.Slug == "" {
		a.Slug = Slugify(a.Title)
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO news (news_title, news_excerpt, newscontent, news_image,
			news_image_caption, news_url, news_author, news_date, created_at, draft)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+articleColumns,
		a.Title, nullable(a.Excerpt), a.Content, nullable(a.ImageURL),
		nullable(a.ImageCaption), nullable(a.Slug), nullable(a.Author), now, now, a.Draft,
	)
	created, err := scanArticle(row)
	if err != nil {
		return Article{}, fmt.Errorf("create article: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Article, error) {
	a, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM news WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Article{}, fmt.Errorf("get article %d: %w", id, err)
	}
	return a, err
}

func (s *PostgresStore) GetBySlug(ctx context.Context, slug string) (Article, error) {
	a, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM news WHERE news_url = $1 ORDER BY id LIMIT 1`, slug))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Article{}, fmt.Errorf("get article %q: %w", slug, err)
	}
	return a, err
}

func (s *PostgresStore) Update(ctx context.Context, id int64, p Patch) (Article, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, v *string) {
		if v == nil {
			return
		}
		args = append(args, *v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("news_title", p.Title)
	add("newscontent", p.Content)
	add("news_excerpt", p.Excerpt)
	add("news_image", p.ImageURL)
	add("news_image_caption", p.ImageCaption)
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}

	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("news_updated = $%d", len(args)))
	args = append(args, id)

	a, err := scanArticle(s.pool.QueryRow(ctx,
		`UPDATE news SET `+strings.Join(sets, ", ")+
			fmt.Sprintf(` WHERE id = $%d RETURNING `, len(args))+articleColumns,
		args...))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Article{}, fmt.Errorf("update article %d: %w", id, err)
	}
	return a, err
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM news WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete article %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetDraft(ctx context.Context, id int64, draft bool) (Article, error) {
	a, err := scanArticle(s.pool.QueryRow(ctx,
		`UPDATE news SET draft = $1 WHERE id = $2 RETURNING `+articleColumns, draft, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Article{}, fmt.Errorf("set draft on article %d: %w", id, err)
	}
	return a, err
}

func (s *PostgresStore) Search(ctx context.Context, q Query) (SearchResult, error) {
	q = q.Normalize(20)

	where := []string{"TRUE"}
	args := []any{}
	switch q.Status {
	case StatusDraft:
		where = append(where, "draft = TRUE")
	case StatusPublished:
		where = append(where, "draft = FALSE")
	}
	if q.Keyword != "" {
		args = append(args, "%"+q.Keyword+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(news_title ILIKE $%d OR newscontent ILIKE $%d OR news_excerpt ILIKE $%d)", n, n, n))
	}
	cond := strings.Join(where, " AND ")

	var res SearchResult
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM news WHERE `+cond, args...).Scan(&res.Total); err != nil {
		return SearchResult{}, fmt.Errorf("count articles: %w", err)
	}

	args = append(args, q.Limit, q.Offset)
	rows, err := s.pool.Query(ctx,
		`SELECT `+articleColumns+` FROM news WHERE `+cond+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search articles: %w", err)
	}
	defer rows.Close()

	res.Articles = []Article{}
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return SearchResult{}, fmt.Errorf("scan article: %w", err)
		}
		res.Articles = append(res.Articles, a)
	}
	return res, rows.Err()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
