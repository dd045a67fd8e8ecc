// Package store owns post identifiers, the token index and every read and
// write against the post collection. Backends live in subpackages and
// implement Engine; Repository layers id allocation, readiness and error
// kinds on top of them.
package store

import (
	"context"

	"postyard/domain"
)

// Query selects a page of posts ordered by created, then id, both descending.
// A post matches when its tokens contain every entry of Tokens; an empty
// Tokens matches all posts.
type Query struct {
	Tokens []string
	Skip   int
	Limit  int
}

// Engine is a persistence backend for posts. Implementations report a taken
// id with domain.ErrDuplicateID and a missing post with domain.ErrNotFound;
// any other error is passed through untouched.
type Engine interface {
	// EnsureIndex creates the multi-key token index. It is a no-op when the
	// index already exists.
	EnsureIndex(ctx context.Context) error

	// MaxID returns the largest stored id, or 0 for an empty collection.
	MaxID(ctx context.Context) (int64, error)

	Insert(ctx context.Context, posts []domain.Post) error

	// Replace stores p in place of the post with the same id, inserting it
	// when absent.
	Replace(ctx context.Context, p domain.Post) error

	Find(ctx context.Context, id int64) (domain.Post, error)

	Query(ctx context.Context, q Query) (Rows, error)

	Count(ctx context.Context) (int64, error)

	// Clear removes every post.
	Clear(ctx context.Context) error

	Close() error
}

// Rows is a forward-only result stream, in the manner of sql.Rows.
type Rows interface {
	Next() bool
	Post() (domain.Post, error)
	Err() error
	Close() error
}
