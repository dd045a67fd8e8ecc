package sqlitedb

import (
	"context"
	"io"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/labstack/gommon/log"

	"postyard/domain"
	"postyard/store"
	"postyard/store/storetest"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(context.Background(), DSN(filepath.Join(t.TempDir(), "posts.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Engine {
		return newTestEngine(t)
	})
}

func TestDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "./postyard.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"/tmp/x.db", "/tmp/x.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"},
		{"/tmp/x.db?_pragma=foreign_keys(1)", "/tmp/x.db?_pragma=foreign_keys(1)"},
	}
	for _, tt := range tests {
		if got := DSN(tt.in); got != tt.want {
			t.Errorf("DSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := DSN(filepath.Join(t.TempDir(), "posts.db"))
	ctx := context.Background()

	e, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	p := domain.Post{ID: 5, Created: time.UnixMilli(10).UTC(), Writer: "w", Text: "t", Tokens: []string{"t", "w"}}
	if err := e.Insert(ctx, []domain.Post{p}); err != nil {
		t.Fatal(err)
	}
	e.Close()

	// The schema is already current; reopening must not fail.
	e, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e.Close()

	top, err := e.MaxID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if top != 5 {
		t.Errorf("MaxID = %d, want 5", top)
	}
}

func TestEngine_InsertBatchRollsBack(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	existing := domain.Post{ID: 2, Created: time.UnixMilli(1).UTC()}
	if err := e.Insert(ctx, []domain.Post{existing}); err != nil {
		t.Fatal(err)
	}
	batch := []domain.Post{
		{ID: 1, Created: time.UnixMilli(1).UTC(), Tokens: []string{"a"}},
		{ID: 2, Created: time.UnixMilli(2).UTC(), Tokens: []string{"b"}},
	}
	if err := e.Insert(ctx, batch); err == nil {
		t.Fatal("expected duplicate error")
	}

	n, err := e.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1 (batch must roll back)", n)
	}
	var tokens int
	if err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM post_tokens").Scan(&tokens); err != nil {
		t.Fatal(err)
	}
	if tokens != 0 {
		t.Errorf("post_tokens rows = %d, want 0", tokens)
	}
}

func indexCount(t *testing.T, e *Engine, name string) int {
	t.Helper()
	var n int
	err := e.db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", name).Scan(&n)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestOpen_CreatesTokenIndex(t *testing.T) {
	e := newTestEngine(t)
	if n := indexCount(t, e, "post_tokens_token_idx"); n != 0 {
		t.Fatalf("token index exists before the store is opened (%d)", n)
	}

	logger := log.New("test")
	logger.SetOutput(io.Discard)
	for range 2 {
		if _, err := store.Open(context.Background(), e, logger); err != nil {
			t.Fatal(err)
		}
	}
	if n := indexCount(t, e, "post_tokens_token_idx"); n != 1 {
		t.Errorf("post_tokens_token_idx count = %d, want 1", n)
	}
}

func TestEngine_EmptyTokensRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	p := domain.Post{ID: 1, Created: time.UnixMilli(10).UTC(), Writer: "w", Text: "t"}
	if err := e.Insert(ctx, []domain.Post{p}); err != nil {
		t.Fatal(err)
	}
	var raw string
	if err := e.db.QueryRowContext(ctx, "SELECT tokens FROM posts WHERE id = 1").Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if raw != "[]" {
		t.Errorf("stored tokens = %q, want []", raw)
	}
	got, err := e.Find(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("Find = %#v, want %#v", got, p)
	}
}
