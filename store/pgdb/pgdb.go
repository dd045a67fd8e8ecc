// Package pgdb stores posts in PostgreSQL. Tokens live in a TEXT[] column
// with a GIN index, so search is a single containment predicate.
package pgdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"postyard/domain"
	"postyard/store"
)

const uniqueViolation = "23505"

var _ store.Engine = (*Engine)(nil)

type Engine struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and creates the posts table if it does not exist.
func Open(ctx context.Context, dsn string) (*Engine, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement
	cfg.ConnConfig.StatementCacheCapacity = 64

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	_, err = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS posts (
  id      BIGINT PRIMARY KEY,
  created TIMESTAMPTZ NOT NULL,
  writer  TEXT NOT NULL,
  text    TEXT NOT NULL,
  tokens  TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS posts_created_idx ON posts (created DESC, id DESC);
`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create posts table: %w", err)
	}
	return &Engine{pool: pool}, nil
}

func (e *Engine) EnsureIndex(ctx context.Context) error {
	_, err := e.pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS posts_tokens_gin ON posts USING GIN (tokens)")
	return err
}

func (e *Engine) MaxID(ctx context.Context) (int64, error) {
	var id int64
	err := e.pool.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM posts").Scan(&id)
	return id, err
}

// Insert sends the batch inside one transaction; a failure rolls all of it
// back.
func (e *Engine) Insert(ctx context.Context, posts []domain.Post) error {
	b := &pgx.Batch{}
	for _, p := range posts {
		b.Queue(`INSERT INTO posts (id, created, writer, text, tokens) VALUES ($1, $2, $3, $4, $5)`,
			p.ID, p.Created, p.Writer, p.Text, tokensOf(p))
	}
	return pgx.BeginFunc(ctx, e.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, b)
		for _, p := range posts {
			if _, err := br.Exec(); err != nil {
				br.Close()
				if isUniqueViolation(err) {
					return fmt.Errorf("post %d: %w", p.ID, domain.ErrDuplicateID)
				}
				return err
			}
		}
		return br.Close()
	})
}

func (e *Engine) Replace(ctx context.Context, p domain.Post) error {
	_, err := e.pool.Exec(ctx, `
INSERT INTO posts (id, created, writer, text, tokens)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
  created = EXCLUDED.created, writer = EXCLUDED.writer,
  text = EXCLUDED.text, tokens = EXCLUDED.tokens`,
		p.ID, p.Created, p.Writer, p.Text, tokensOf(p))
	return err
}

func (e *Engine) Find(ctx context.Context, id int64) (domain.Post, error) {
	row := e.pool.QueryRow(ctx, `SELECT id, created, writer, text, tokens FROM posts WHERE id = $1`, id)
	p, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("post %d: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func (e *Engine) Query(ctx context.Context, q store.Query) (store.Rows, error) {
	var (
		rs  pgx.Rows
		err error
	)
	if tokens := domain.NormalizeTokens(q.Tokens); len(tokens) > 0 {
		rs, err = e.pool.Query(ctx, `
SELECT id, created, writer, text, tokens
FROM posts
WHERE tokens @> $1
ORDER BY created DESC, id DESC
LIMIT $2 OFFSET $3`, tokens, q.Limit, q.Skip)
	} else {
		rs, err = e.pool.Query(ctx, `
SELECT id, created, writer, text, tokens
FROM posts
ORDER BY created DESC, id DESC
LIMIT $1 OFFSET $2`, q.Limit, q.Skip)
	}
	if err != nil {
		return nil, err
	}
	return rows{rs}, nil
}

func (e *Engine) Count(ctx context.Context) (int64, error) {
	var n int64
	err := e.pool.QueryRow(ctx, "SELECT COUNT(*) FROM posts").Scan(&n)
	return n, err
}

func (e *Engine) Clear(ctx context.Context) error {
	_, err := e.pool.Exec(ctx, "DELETE FROM posts")
	return err
}

func (e *Engine) Close() error {
	e.pool.Close()
	return nil
}

// tokensOf keeps a nil token slice from being stored as NULL.
func tokensOf(p domain.Post) []string {
	if p.Tokens == nil {
		return []string{}
	}
	return p.Tokens
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanPost(row pgx.Row) (domain.Post, error) {
	var p domain.Post
	if err := row.Scan(&p.ID, &p.Created, &p.Writer, &p.Text, &p.Tokens); err != nil {
		return domain.Post{}, err
	}
	p.Created = p.Created.UTC()
	if len(p.Tokens) == 0 {
		p.Tokens = nil
	}
	return p, nil
}

type rows struct {
	pgx.Rows
}

func (r rows) Post() (domain.Post, error) {
	return scanPost(r.Rows)
}

func (r rows) Close() error {
	r.Rows.Close()
	return r.Rows.Err()
}
