// Package storetest checks a store.Engine against the Repository contract.
// Each backend's tests call Run with a constructor for an empty engine.
package storetest

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/labstack/gommon/log"

	"postyard/domain"
	"postyard/store"
)

// NewEngine returns an empty engine. It should register its own cleanup.
type NewEngine func(t *testing.T) store.Engine

func Run(t *testing.T, newEngine NewEngine) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newEngine NewEngine)
	}{
		{"EmptyCollection", testEmptyCollection},
		{"OpenTwice", testOpenTwice},
		{"SeedFromMaxID", testSeedFromMaxID},
		{"InsertFind", testInsertFind},
		{"InsertNoTokens", testInsertNoTokens},
		{"InsertBatch", testInsertBatch},
		{"InsertDuplicate", testInsertDuplicate},
		{"FindMissing", testFindMissing},
		{"UpdateReplaces", testUpdateReplaces},
		{"UpdateUpserts", testUpdateUpserts},
		{"Paging", testPaging},
		{"PagingTieBreak", testPagingTieBreak},
		{"InvalidPage", testInvalidPage},
		{"SearchAnd", testSearchAnd},
		{"SearchEmptyTokens", testSearchEmptyTokens},
		{"SearchPaging", testSearchPaging},
		{"SearchScenario", testSearchScenario},
		{"ClearKeepsSeed", testClearKeepsSeed},
		{"CursorOnce", testCursorOnce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newEngine)
		})
	}
}

func quietLogger() *log.Logger {
	l := log.New("storetest")
	l.SetOutput(io.Discard)
	return l
}

func open(t *testing.T, e store.Engine) *store.Repository {
	t.Helper()
	r, err := store.Open(context.Background(), e, quietLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func at(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func ids(posts []domain.Post) []int64 {
	out := make([]int64, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func texts(posts []domain.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.Text
	}
	return out
}

func list(t *testing.T, r *store.Repository, page, size int) []domain.Post {
	t.Helper()
	c, err := r.ListPage(context.Background(), page, size)
	if err != nil {
		t.Fatalf("ListPage(%d, %d): %v", page, size, err)
	}
	posts, err := store.Collect(c)
	if err != nil {
		t.Fatalf("ListPage(%d, %d) drain: %v", page, size, err)
	}
	return posts
}

func search(t *testing.T, r *store.Repository, tokens []string, page, size int) []domain.Post {
	t.Helper()
	c, err := r.Search(context.Background(), tokens, page, size)
	if err != nil {
		t.Fatalf("Search(%v): %v", tokens, err)
	}
	posts, err := store.Collect(c)
	if err != nil {
		t.Fatalf("Search(%v) drain: %v", tokens, err)
	}
	return posts
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testEmptyCollection(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	ctx := context.Background()

	n, err := r.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
	if got := list(t, r, 1, 10); len(got) != 0 {
		t.Errorf("ListPage on empty store = %d posts", len(got))
	}
	if got := search(t, r, []string{"a"}, 1, 10); len(got) != 0 {
		t.Errorf("Search on empty store = %d posts", len(got))
	}
	if got := search(t, r, nil, 3, 10); len(got) != 0 {
		t.Errorf("Search(nil) on empty store = %d posts", len(got))
	}
	if id := r.NextID(); id != 1 {
		t.Errorf("first id on empty store = %d, want 1", id)
	}
}

func testOpenTwice(t *testing.T, newEngine NewEngine) {
	e := newEngine(t)
	open(t, e)
	// Index creation must be idempotent.
	open(t, e)
}

func testSeedFromMaxID(t *testing.T, newEngine NewEngine) {
	e := newEngine(t)
	ctx := context.Background()
	seedPosts := []domain.Post{
		{ID: 40, Created: at(1), Writer: "w", Text: "a"},
		{ID: 42, Created: at(2), Writer: "w", Text: "b"},
		{ID: 7, Created: at(3), Writer: "w", Text: "c"},
	}
	if err := e.Insert(ctx, seedPosts); err != nil {
		t.Fatal(err)
	}

	r := open(t, e)
	last := int64(42)
	for i := 0; i < 100; i++ {
		id := r.NextID()
		if id <= last {
			t.Fatalf("NextID = %d after %d", id, last)
		}
		last = id
	}
}

func testInsertFind(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	ctx := context.Background()

	p := domain.Post{
		ID:      r.NextID(),
		Created: at(50),
		Writer:  "snowman",
		Text:    "text",
		Tokens:  []string{"snowman", "text"},
	}
	if err := r.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	n, _ := r.Count(ctx)
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}

	got, err := r.FindByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !got.Equal(p) {
		t.Errorf("FindByID = %+v, want %+v", got, p)
	}
}

func testInsertBatch(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	ctx := context.Background()

	var batch []domain.Post
	for i := 1; i <= 4; i++ {
		batch = append(batch, domain.Post{ID: r.NextID(), Created: at(int64(i * 10)), Writer: "w", Text: "t"})
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].ID <= batch[i-1].ID {
			t.Fatalf("batch ids not increasing: %v", ids(batch))
		}
	}
	if err := r.Insert(ctx, batch...); err != nil {
		t.Fatalf("Insert batch: %v", err)
	}
	n, _ := r.Count(ctx)
	if n != 4 {
		t.Errorf("Count = %d, want 4", n)
	}
	if err := r.Insert(ctx); err != nil {
		t.Errorf("empty Insert = %v, want nil", err)
	}
}

func testInsertDuplicate(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	ctx := context.Background()

	p := domain.Post{ID: r.NextID(), Created: at(10), Writer: "w", Text: "first"}
	if err := r.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}
	dup := p
	dup.Text = "second"
	err := r.Insert(ctx, dup)
	if !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("duplicate Insert = %v, want ErrDuplicateID", err)
	}

	got, err := r.FindByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "first" {
		t.Errorf("duplicate insert overwrote post: %q", got.Text)
	}
}

func testFindMissing(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	_, err := r.FindByID(context.Background(), 12345)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("FindByID(missing) = %v, want ErrNotFound", err)
	}
}

func testUpdateReplaces(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	ctx := context.Background()

	p := domain.Post{ID: r.NextID(), Created: at(50), Writer: "snowman", Text: "text", Tokens: []string{"snowman", "text"}}
	if err := r.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}

	updated := p
	updated.Writer = "fireman"
	updated.Text = "updated text"
	updated.Tokens = []string{"fireman", "updated", "text"}
	if err := r.Update(ctx, updated); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := r.FindByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(updated.Normalize()) {
		t.Errorf("FindByID = %+v, want %+v", got, updated.Normalize())
	}
	if hits := search(t, r, []string{"snowman"}, 1, 10); len(hits) != 0 {
		t.Errorf("old token still matches %d posts", len(hits))
	}
	if hits := search(t, r, []string{"fireman"}, 1, 10); len(hits) != 1 {
		t.Errorf("new token matches %d posts, want 1", len(hits))
	}
	n, _ := r.Count(ctx)
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func testUpdateUpserts(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	ctx := context.Background()

	p := domain.Post{ID: r.NextID(), Created: at(10), Writer: "w", Text: "new", Tokens: []string{"new", "w"}}
	if err := r.Update(ctx, p); err != nil {
		t.Fatalf("Update of absent post: %v", err)
	}
	got, err := r.FindByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(p) {
		t.Errorf("FindByID = %+v, want %+v", got, p)
	}
}

func fivePosts(t *testing.T, r *store.Repository) []domain.Post {
	t.Helper()
	var rows []domain.Post
	for i := 1; i <= 5; i++ {
		rows = append(rows, domain.Post{
			ID:      r.NextID(),
			Created: at(int64(i * 10)),
			Writer:  "snowman",
			Text:    "text" + string(rune('0'+i)),
			Tokens:  []string{"snowman", "text" + string(rune('0'+i))},
		})
	}
	if err := r.Insert(context.Background(), rows...); err != nil {
		t.Fatal(err)
	}
	return rows
}

func testPaging(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	fivePosts(t, r)

	first := list(t, r, 1, 3)
	want := []string{"text5", "text4", "text3"}
	if got := texts(first); len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("page 1 = %v, want %v", got, want)
	}

	second := list(t, r, 2, 3)
	if got := texts(second); len(got) != 2 || got[0] != "text2" || got[1] != "text1" {
		t.Errorf("page 2 = %v, want [text2 text1]", got)
	}

	if got := list(t, r, 3, 3); len(got) != 0 {
		t.Errorf("page 3 = %v, want empty", texts(got))
	}
}

func testPagingTieBreak(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	var rows []domain.Post
	for i := 0; i < 4; i++ {
		rows = append(rows, domain.Post{ID: r.NextID(), Created: at(100), Writer: "w", Text: "same", Tokens: []string{"same"}})
	}
	if err := r.Insert(context.Background(), rows...); err != nil {
		t.Fatal(err)
	}

	want := []int64{rows[3].ID, rows[2].ID, rows[1].ID, rows[0].ID}
	if got := ids(list(t, r, 1, 10)); !equalIDs(got, want) {
		t.Errorf("ListPage ids = %v, want %v", got, want)
	}
	if got := ids(search(t, r, []string{"same"}, 1, 10)); !equalIDs(got, want) {
		t.Errorf("Search ids = %v, want %v", got, want)
	}
	if got := ids(list(t, r, 2, 2)); !equalIDs(got, want[2:]) {
		t.Errorf("ListPage(2, 2) ids = %v, want %v", got, want[2:])
	}
}

// A post stored without tokens reads back with nil Tokens from every path.
func testInsertNoTokens(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	ctx := context.Background()

	posts := []domain.Post{
		{ID: r.NextID(), Created: at(10), Writer: "w", Text: "nil"},
		{ID: r.NextID(), Created: at(20), Writer: "w", Text: "empty", Tokens: []string{}},
	}
	if err := r.Insert(ctx, posts...); err != nil {
		t.Fatal(err)
	}
	for _, p := range posts {
		got, err := r.FindByID(ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Tokens != nil {
			t.Errorf("FindByID(%d).Tokens = %#v, want nil", p.ID, got.Tokens)
		}
	}
	for _, p := range list(t, r, 1, 10) {
		if p.Tokens != nil {
			t.Errorf("ListPage post %d Tokens = %#v, want nil", p.ID, p.Tokens)
		}
	}
}

func testInvalidPage(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	ctx := context.Background()

	if _, err := r.ListPage(ctx, 0, 10); !errors.Is(err, domain.ErrInvalidPage) {
		t.Errorf("ListPage(0, 10) = %v, want ErrInvalidPage", err)
	}
	if _, err := r.Search(ctx, []string{"a"}, 1, 0); !errors.Is(err, domain.ErrInvalidPage) {
		t.Errorf("Search(page size 0) = %v, want ErrInvalidPage", err)
	}
	// (page-1)*size does not fit in an int.
	if _, err := r.ListPage(ctx, math.MaxInt/100+2, 100); !errors.Is(err, domain.ErrInvalidPage) {
		t.Errorf("ListPage(huge page) = %v, want ErrInvalidPage", err)
	}
	if _, err := r.Search(ctx, nil, math.MaxInt/4+2, 4); !errors.Is(err, domain.ErrInvalidPage) {
		t.Errorf("Search(huge page) = %v, want ErrInvalidPage", err)
	}
}

func testSearchAnd(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	abc := domain.Post{ID: r.NextID(), Created: at(10), Writer: "w", Text: "abc", Tokens: []string{"a", "b", "c"}}
	bcd := domain.Post{ID: r.NextID(), Created: at(20), Writer: "w", Text: "bcd", Tokens: []string{"b", "c", "d"}}
	if err := r.Insert(context.Background(), abc, bcd); err != nil {
		t.Fatal(err)
	}

	if got := ids(search(t, r, []string{"b", "c"}, 1, 10)); !equalIDs(got, []int64{bcd.ID, abc.ID}) {
		t.Errorf("Search(b c) = %v, want %v", got, []int64{bcd.ID, abc.ID})
	}
	if got := search(t, r, []string{"a", "d"}, 1, 10); len(got) != 0 {
		t.Errorf("Search(a d) = %v, want none", ids(got))
	}
	if got := ids(search(t, r, []string{"c", "c", "a"}, 1, 10)); !equalIDs(got, []int64{abc.ID}) {
		t.Errorf("Search(c c a) = %v, want %v", got, []int64{abc.ID})
	}
	if got := search(t, r, []string{"zzz"}, 1, 10); len(got) != 0 {
		t.Errorf("Search(zzz) = %v, want none", ids(got))
	}
}

// An empty token collection matches every post, exactly like ListPage.
func testSearchEmptyTokens(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	fivePosts(t, r)

	for _, tokens := range [][]string{nil, {}} {
		got := ids(search(t, r, tokens, 1, 3))
		want := ids(list(t, r, 1, 3))
		if !equalIDs(got, want) {
			t.Errorf("Search(%#v) = %v, ListPage = %v", tokens, got, want)
		}
	}
}

func testSearchPaging(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	rows := fivePosts(t, r)

	if got := ids(search(t, r, []string{"snowman"}, 2, 2)); !equalIDs(got, []int64{rows[2].ID, rows[1].ID}) {
		t.Errorf("Search page 2 = %v, want %v", got, []int64{rows[2].ID, rows[1].ID})
	}
}

func testSearchScenario(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	rows := []domain.Post{
		{ID: r.NextID(), Created: at(50), Writer: "snowman", Text: "abc def 123", Tokens: []string{"snowman", "abc", "def", "123"}},
		{ID: r.NextID(), Created: at(40), Writer: "snowman", Text: "def 123 xyz", Tokens: []string{"snowman", "def", "123", "xyz"}},
		{ID: r.NextID(), Created: at(30), Writer: "fireman", Text: "hot day", Tokens: []string{"fireman", "hot", "day"}},
		{ID: r.NextID(), Created: at(20), Writer: "fireman", Text: "ladder truck siren", Tokens: []string{"fireman", "ladder", "truck", "siren"}},
		{ID: r.NextID(), Created: at(10), Writer: "fireman", Text: "ladder and hose", Tokens: []string{"fireman", "ladder", "and", "hose"}},
	}
	if err := r.Insert(context.Background(), rows...); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		tokens []string
		want   []int64
	}{
		{[]string{"snowman"}, []int64{rows[0].ID, rows[1].ID}},
		{[]string{"fireman"}, []int64{rows[2].ID, rows[3].ID, rows[4].ID}},
		{[]string{"def", "123"}, []int64{rows[0].ID, rows[1].ID}},
		{[]string{"abc", "def", "123"}, []int64{rows[0].ID}},
		{[]string{"ladder"}, []int64{rows[3].ID, rows[4].ID}},
		{[]string{"fireman", "ladder", "hose"}, []int64{rows[4].ID}},
	}
	for _, tt := range tests {
		if got := ids(search(t, r, tt.tokens, 1, 99)); !equalIDs(got, tt.want) {
			t.Errorf("Search(%v) = %v, want %v", tt.tokens, got, tt.want)
		}
	}
}

func testClearKeepsSeed(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	ctx := context.Background()
	fivePosts(t, r)
	before := r.IDs().Seed()

	if err := r.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	n, err := r.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Count after Clear = %d", n)
	}
	if got := list(t, r, 1, 10); len(got) != 0 {
		t.Errorf("ListPage after Clear = %d posts", len(got))
	}
	if got := search(t, r, []string{"snowman"}, 1, 10); len(got) != 0 {
		t.Errorf("Search after Clear = %d posts", len(got))
	}
	if id := r.NextID(); id != before+1 {
		t.Errorf("NextID after Clear = %d, want %d", id, before+1)
	}
}

func testCursorOnce(t *testing.T, newEngine NewEngine) {
	r := open(t, newEngine(t))
	fivePosts(t, r)

	c, err := r.ListPage(context.Background(), 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, err := range c.All() {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("read %d posts before break, want 2", n)
	}

	_, err = store.Collect(c)
	if !errors.Is(err, store.ErrCursorConsumed) {
		t.Errorf("second pass = %v, want ErrCursorConsumed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close after drain = %v", err)
	}
}
