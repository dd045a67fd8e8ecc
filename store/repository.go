package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"

	"postyard/domain"
)

// Repository is the only way to read or write the post collection.
type Repository struct {
	engine Engine
	ids    *Allocator
	log    *log.Logger
}

// Open makes engine ready for writes: the token index is created and the id
// allocator is seeded, concurrently. Any failure is reported as
// domain.ErrInitialization and leaves the engine open for the caller to close.
func Open(ctx context.Context, engine Engine, logger *log.Logger) (*Repository, error) {
	if logger == nil {
		logger = log.New("store")
	}
	r := &Repository{engine: engine, ids: &Allocator{}, log: logger}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := engine.EnsureIndex(gctx); err != nil {
			return fmt.Errorf("%w: token index: %w", domain.ErrInitialization, err)
		}
		return nil
	})
	g.Go(func() error {
		return r.ids.Initialize(gctx, engine.MaxID)
	})
	if err := g.Wait(); err != nil {
		logger.Errorf("post store not ready: %v", err)
		return nil, err
	}

	logger.Infof("post id seed: %d", r.ids.Seed())
	return r, nil
}

// IDs returns the allocator owned by r.
func (r *Repository) IDs() *Allocator {
	return r.ids
}

// NextID is shorthand for r.IDs().NextID().
func (r *Repository) NextID() int64 {
	return r.ids.NextID()
}

// Insert stores new posts with caller-assigned ids. A taken id fails with
// domain.ErrDuplicateID. Whether earlier posts of a failed batch remain is
// up to the engine.
func (r *Repository) Insert(ctx context.Context, posts ...domain.Post) error {
	if len(posts) == 0 {
		return nil
	}
	batch := make([]domain.Post, len(posts))
	for i, p := range posts {
		batch[i] = p.Normalize()
	}
	return engineError("insert posts", r.engine.Insert(ctx, batch))
}

// Update replaces the whole post stored under p.ID, or inserts p if there is
// none.
func (r *Repository) Update(ctx context.Context, p domain.Post) error {
	return engineError(fmt.Sprintf("update post %d", p.ID), r.engine.Replace(ctx, p.Normalize()))
}

func (r *Repository) FindByID(ctx context.Context, id int64) (domain.Post, error) {
	p, err := r.engine.Find(ctx, id)
	if err != nil {
		return domain.Post{}, engineError(fmt.Sprintf("find post %d", id), err)
	}
	return p, nil
}

// ListPage returns one page of all posts, newest first. Pages are 1-based.
func (r *Repository) ListPage(ctx context.Context, page, size int) (*Cursor, error) {
	return r.query(ctx, nil, page, size)
}

// Search is ListPage restricted to posts carrying every token in tokens.
// With no tokens it is identical to ListPage.
func (r *Repository) Search(ctx context.Context, tokens []string, page, size int) (*Cursor, error) {
	return r.query(ctx, domain.NormalizeTokens(tokens), page, size)
}

func (r *Repository) query(ctx context.Context, tokens []string, page, size int) (*Cursor, error) {
	skip, err := domain.Skip(page, size)
	if err != nil {
		return nil, err
	}
	rows, err := r.engine.Query(ctx, Query{Tokens: tokens, Skip: skip, Limit: size})
	if err != nil {
		return nil, engineError("query posts", err)
	}
	return newCursor(rows), nil
}

func (r *Repository) Count(ctx context.Context) (int64, error) {
	n, err := r.engine.Count(ctx)
	return n, engineError("count posts", err)
}

// Clear removes every post. The allocator keeps its seed, so ids are never
// reused within the process.
func (r *Repository) Clear(ctx context.Context) error {
	return engineError("clear posts", r.engine.Clear(ctx))
}

func (r *Repository) Close() error {
	return r.engine.Close()
}

// engineError prefixes err with op and tags it with domain.ErrEngine unless
// it already carries one of the domain kinds.
func engineError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrDuplicateID),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidPage),
		errors.Is(err, domain.ErrEngine):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrEngine, err)
	}
}
