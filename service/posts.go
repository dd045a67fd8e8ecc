// Package service is the write and query path used by the HTTP layer. It
// keeps post tokens in step with writer and text, which the repository
// leaves to its callers.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postyard/domain"
	"postyard/store"
)

var ErrEmptyPost = errors.New("writer and text are required")

// TokenizeFunc produces search tokens from free text.
type TokenizeFunc func(parts ...string) []string

// Draft is a post that has not been given an id yet.
type Draft struct {
	Writer  string
	Text    string
	Created time.Time
}

type Posts struct {
	repo     *store.Repository
	tokenize TokenizeFunc
	now      func() time.Time
}

func New(repo *store.Repository, tokenize TokenizeFunc, now func() time.Time) *Posts {
	if now == nil {
		now = time.Now
	}
	return &Posts{repo: repo, tokenize: tokenize, now: now}
}

// Create stores a single new post. A zero created time means now.
func (s *Posts) Create(ctx context.Context, d Draft) (domain.Post, error) {
	posts, err := s.CreateBatch(ctx, []Draft{d})
	if err != nil {
		return domain.Post{}, err
	}
	return posts[0], nil
}

// CreateBatch assigns ids in slice order and inserts every draft in one call.
func (s *Posts) CreateBatch(ctx context.Context, drafts []Draft) ([]domain.Post, error) {
	posts := make([]domain.Post, 0, len(drafts))
	for i, d := range drafts {
		if err := validate(d.Writer, d.Text); err != nil {
			return nil, fmt.Errorf("draft %d: %w", i, err)
		}
		created := d.Created
		if created.IsZero() {
			created = s.now()
		}
		posts = append(posts, s.build(s.repo.NextID(), created, d.Writer, d.Text))
	}
	if err := s.repo.Insert(ctx, posts...); err != nil {
		return nil, err
	}
	return posts, nil
}

// Edit replaces writer and text of an existing post, keeping its id and
// creation time.
func (s *Posts) Edit(ctx context.Context, id int64, writer, text string) (domain.Post, error) {
	if err := validate(writer, text); err != nil {
		return domain.Post{}, err
	}
	old, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return domain.Post{}, err
	}
	p := s.build(id, old.Created, writer, text)
	if err := s.repo.Update(ctx, p); err != nil {
		return domain.Post{}, err
	}
	return p, nil
}

func (s *Posts) Get(ctx context.Context, id int64) (domain.Post, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Posts) List(ctx context.Context, page, size int) (*store.Cursor, error) {
	return s.repo.ListPage(ctx, page, size)
}

// Search matches posts containing every token of query. A query without
// tokens lists all posts.
func (s *Posts) Search(ctx context.Context, query string, page, size int) (*store.Cursor, error) {
	return s.repo.Search(ctx, s.tokenize(query), page, size)
}

func (s *Posts) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}

func (s *Posts) build(id int64, created time.Time, writer, text string) domain.Post {
	return domain.Post{
		ID:      id,
		Created: created,
		Writer:  writer,
		Text:    text,
		Tokens:  s.tokenize(writer, text),
	}.Normalize()
}

func validate(writer, text string) error {
	if strings.TrimSpace(writer) == "" || strings.TrimSpace(text) == "" {
		return ErrEmptyPost
	}
	return nil
}
