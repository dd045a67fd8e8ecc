// Package memory is an in-process post engine. It keeps no data across
// restarts and is meant for tests and local runs.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"postyard/domain"
	"postyard/store"
)

// Compile-time assertion that Engine implements store.Engine.
var _ store.Engine = (*Engine)(nil)

type Engine struct {
	mu    sync.RWMutex
	posts map[int64]domain.Post
}

func New() *Engine {
	return &Engine{posts: make(map[int64]domain.Post)}
}

// EnsureIndex is a no-op; queries scan the map.
func (e *Engine) EnsureIndex(ctx context.Context) error {
	return nil
}

func (e *Engine) MaxID(ctx context.Context) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var top int64
	for id := range e.posts {
		top = max(top, id)
	}
	return top, nil
}

// Insert is all-or-nothing: every id is checked before any post is stored.
func (e *Engine) Insert(ctx context.Context, posts []domain.Post) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[int64]bool, len(posts))
	for _, p := range posts {
		if _, ok := e.posts[p.ID]; ok || seen[p.ID] {
			return fmt.Errorf("post %d: %w", p.ID, domain.ErrDuplicateID)
		}
		seen[p.ID] = true
	}
	for _, p := range posts {
		e.posts[p.ID] = clonePost(p)
	}
	return nil
}

func (e *Engine) Replace(ctx context.Context, p domain.Post) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.posts[p.ID] = clonePost(p)
	return nil
}

func (e *Engine) Find(ctx context.Context, id int64) (domain.Post, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.posts[id]
	if !ok {
		return domain.Post{}, fmt.Errorf("post %d: %w", id, domain.ErrNotFound)
	}
	return clonePost(p), nil
}

// Query snapshots the matching page under the read lock; later writes do not
// affect the returned rows.
func (e *Engine) Query(ctx context.Context, q store.Query) (store.Rows, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matched []domain.Post
	for _, p := range e.posts {
		if containsAll(p.Tokens, q.Tokens) {
			matched = append(matched, p)
		}
	}
	slices.SortFunc(matched, func(a, b domain.Post) int {
		if c := b.Created.Compare(a.Created); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	if q.Skip >= len(matched) {
		matched = nil
	} else {
		matched = matched[q.Skip:]
	}
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	page := make([]domain.Post, len(matched))
	for i, p := range matched {
		page[i] = clonePost(p)
	}
	return &rows{posts: page, pos: -1}, nil
}

func (e *Engine) Count(ctx context.Context) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int64(len(e.posts)), nil
}

func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.posts)
	return nil
}

func (e *Engine) Close() error {
	return nil
}

// containsAll reports whether have holds every entry of want. Both are sorted.
func containsAll(have, want []string) bool {
	for _, t := range want {
		if _, ok := slices.BinarySearch(have, t); !ok {
			return false
		}
	}
	return true
}

// clonePost copies the token slice to avoid aliasing caller memory.
func clonePost(p domain.Post) domain.Post {
	p.Tokens = slices.Clone(p.Tokens)
	return p
}

type rows struct {
	posts []domain.Post
	pos   int
}

func (r *rows) Next() bool {
	if r.pos+1 >= len(r.posts) {
		return false
	}
	r.pos++
	return true
}

func (r *rows) Post() (domain.Post, error) {
	return r.posts[r.pos], nil
}

func (r *rows) Err() error   { return nil }
func (r *rows) Close() error { return nil }
