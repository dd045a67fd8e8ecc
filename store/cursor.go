package store

import (
	"errors"
	"iter"

	"go.uber.org/atomic"

	"postyard/domain"
)

var ErrCursorConsumed = errors.New("store: cursor already consumed")

// Cursor delivers query results one post at a time. It can be ranged over
// once; a second pass yields ErrCursorConsumed.
type Cursor struct {
	rows   Rows
	used   atomic.Bool
	closed atomic.Bool
}

func newCursor(rows Rows) *Cursor {
	return &Cursor{rows: rows}
}

// All returns the result sequence. The cursor is closed when the sequence
// ends or the loop body breaks out early.
func (c *Cursor) All() iter.Seq2[domain.Post, error] {
	return func(yield func(domain.Post, error) bool) {
		if c.used.Swap(true) {
			yield(domain.Post{}, ErrCursorConsumed)
			return
		}
		defer c.Close()

		for c.rows.Next() {
			p, err := c.rows.Post()
			if err != nil {
				yield(domain.Post{}, engineError("read post", err))
				return
			}
			if !yield(p, nil) {
				return
			}
		}
		if err := c.rows.Err(); err != nil {
			yield(domain.Post{}, engineError("read posts", err))
		}
	}
}

// Close releases the underlying result stream. Calling it on a drained
// cursor is harmless.
func (c *Cursor) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.rows.Close()
}

// Collect drains c into a slice.
func Collect(c *Cursor) ([]domain.Post, error) {
	var posts []domain.Post
	for p, err := range c.All() {
		if err != nil {
			return posts, err
		}
		posts = append(posts, p)
	}
	return posts, nil
}
