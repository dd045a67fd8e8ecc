// Package sqlitedb stores posts in SQLite. Tokens are kept twice: as a JSON
// column on the post for reads, and as rows of post_tokens, which carries
// the token index used by search.
package sqlitedb

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hashicorp/go-multierror"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"postyard/domain"
	"postyard/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DefaultPath is used when no data source is configured.
const DefaultPath = "./postyard.db"

var _ store.Engine = (*Engine)(nil)

type Engine struct {
	db *sql.DB
}

// DSN appends the connection pragmas the engine relies on to a database path.
func DSN(path string) string {
	if path == "" {
		path = DefaultPath
	}
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Open connects to dsn and brings its schema to the latest migration.
func Open(ctx context.Context, dsn string) (*Engine, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, closeWith(db, fmt.Errorf("ping sqlite: %w", err))
	}
	if err := migrateUp(db); err != nil {
		return nil, closeWith(db, err)
	}
	return &Engine{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("schema migration: %w", err)
	}
	return nil
}

func closeWith(db *sql.DB, err error) error {
	if cerr := db.Close(); cerr != nil {
		err = multierror.Append(err, cerr)
	}
	return err
}

func (e *Engine) EnsureIndex(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS post_tokens_token_idx ON post_tokens (token, post_id)")
	return err
}

func (e *Engine) MaxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := e.db.QueryRowContext(ctx, "SELECT MAX(id) FROM posts").Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Insert writes the whole batch in one transaction.
func (e *Engine) Insert(ctx context.Context, posts []domain.Post) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO posts (id, created, writer, text, tokens) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range posts {
			tokens, err := encodeTokens(p.Tokens)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, p.ID, p.Created.UnixMilli(), p.Writer, p.Text, tokens); err != nil {
				if isConstraint(err) {
					return fmt.Errorf("post %d: %w", p.ID, domain.ErrDuplicateID)
				}
				return err
			}
			if err := insertTokens(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) Replace(ctx context.Context, p domain.Post) error {
	tokens, err := encodeTokens(p.Tokens)
	if err != nil {
		return err
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO posts (id, created, writer, text, tokens)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				created = excluded.created,
				writer = excluded.writer,
				text = excluded.text,
				tokens = excluded.tokens`,
			p.ID, p.Created.UnixMilli(), p.Writer, p.Text, tokens)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM post_tokens WHERE post_id = ?", p.ID); err != nil {
			return err
		}
		return insertTokens(ctx, tx, p)
	})
}

func encodeTokens(tokens []string) (string, error) {
	if len(tokens) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tokens)
	return string(b), err
}

func insertTokens(ctx context.Context, tx *sql.Tx, p domain.Post) error {
	for _, t := range p.Tokens {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO post_tokens (post_id, token) VALUES (?, ?)", p.ID, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) Find(ctx context.Context, id int64) (domain.Post, error) {
	row := e.db.QueryRowContext(ctx, "SELECT id, created, writer, text, tokens FROM posts WHERE id = ?", id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("post %d: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func (e *Engine) Query(ctx context.Context, q store.Query) (store.Rows, error) {
	var (
		where string
		args  []any
	)
	if tokens := domain.NormalizeTokens(q.Tokens); len(tokens) > 0 {
		where = `WHERE id IN (
			SELECT post_id FROM post_tokens
			WHERE token IN (?` + strings.Repeat(", ?", len(tokens)-1) + `)
			GROUP BY post_id
			HAVING COUNT(DISTINCT token) = ?)`
		for _, t := range tokens {
			args = append(args, t)
		}
		args = append(args, len(tokens))
	}
	args = append(args, q.Limit, q.Skip)

	rs, err := e.db.QueryContext(ctx,
		"SELECT id, created, writer, text, tokens FROM posts "+where+" ORDER BY created DESC, id DESC LIMIT ? OFFSET ?",
		args...)
	if err != nil {
		return nil, err
	}
	return rows{rs}, nil
}

func (e *Engine) Count(ctx context.Context) (int64, error) {
	var n int64
	err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts").Scan(&n)
	return n, err
}

func (e *Engine) Clear(ctx context.Context) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM post_tokens"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM posts")
		return err
	})
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			err = multierror.Append(err, rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT:
		return true
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(s scanner) (domain.Post, error) {
	var (
		p       domain.Post
		created int64
		tokens  string
	)
	if err := s.Scan(&p.ID, &created, &p.Writer, &p.Text, &tokens); err != nil {
		return domain.Post{}, err
	}
	p.Created = time.UnixMilli(created).UTC()
	if err := json.Unmarshal([]byte(tokens), &p.Tokens); err != nil {
		return domain.Post{}, fmt.Errorf("decode tokens of post %d: %w", p.ID, err)
	}
	if len(p.Tokens) == 0 {
		p.Tokens = nil
	}
	return p, nil
}

type rows struct {
	*sql.Rows
}

func (r rows) Post() (domain.Post, error) {
	return scanPost(r.Rows)
}
