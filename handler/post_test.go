package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"postyard/service"
	"postyard/store"
	"postyard/store/memory"
	"postyard/tokenize"
)

func newTestServer(t *testing.T) (*echo.Echo, *service.Posts) {
	t.Helper()
	l := log.New("test")
	l.SetOutput(io.Discard)
	repo, err := store.Open(context.Background(), memory.New(), l)
	if err != nil {
		t.Fatal(err)
	}
	posts := service.New(repo, tokenize.Tokenize, nil)

	e := echo.New()
	e.Logger = l
	h := &Handler{Posts: posts, PageSize: 20, MaxPageSize: 3}
	h.Register(e)
	return e, posts
}

func do(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func readLines(t *testing.T, body string) []PostDTO {
	t.Helper()
	var out []PostDTO
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var p PostDTO
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, p)
	}
	return out
}

func seed(t *testing.T, posts *service.Posts) {
	t.Helper()
	_, err := posts.CreateBatch(context.Background(), []service.Draft{
		{Writer: "snowman", Text: "abc def 123", Created: time.UnixMilli(50)},
		{Writer: "snowman", Text: "def 123 xyz", Created: time.UnixMilli(40)},
		{Writer: "fireman", Text: "**hot** day", Created: time.UnixMilli(30)},
		{Writer: "fireman", Text: "ladder", Created: time.UnixMilli(20)},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNewPost_JSON(t *testing.T) {
	e, _ := newTestServer(t)

	body := `{"writer":"snowman","text":"hello *world*","created":"2024-05-01T09:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/posts", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := do(e, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var p PostDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.ID != 1 {
		t.Errorf("ID = %d, want 1", p.ID)
	}
	if rec.Header().Get(echo.HeaderLocation) != "/posts/1" {
		t.Errorf("Location = %q", rec.Header().Get(echo.HeaderLocation))
	}
	if !strings.Contains(string(p.HTML), "<em>world</em>") {
		t.Errorf("HTML = %q, want rendered markdown", p.HTML)
	}
	if !p.Created.Equal(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("Created = %v", p.Created)
	}
}

func TestNewPost_Form(t *testing.T) {
	e, _ := newTestServer(t)

	form := url.Values{"writer": {"fireman"}, "text": {"<script>alert(1)</script>fire"}}
	req := httptest.NewRequest(http.MethodPost, "/posts", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := do(e, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var p PostDTO
	json.Unmarshal(rec.Body.Bytes(), &p)
	if strings.Contains(string(p.HTML), "<script>") {
		t.Errorf("HTML not sanitized: %q", p.HTML)
	}
}

func TestNewPost_BadInput(t *testing.T) {
	e, _ := newTestServer(t)

	tests := []string{
		`{"writer":"","text":"x"}`,
		`{"writer":"w","text":"x","created":"yesterday"}`,
	}
	for _, body := range tests {
		req := httptest.NewRequest(http.MethodPost, "/posts", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		if rec := do(e, req); rec.Code != http.StatusBadRequest {
			t.Errorf("POST %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestGetByID(t *testing.T) {
	e, posts := newTestServer(t)
	seed(t, posts)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/posts/3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var p PostDTO
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Writer != "fireman" || !strings.Contains(string(p.HTML), "<strong>hot</strong>") {
		t.Errorf("post = %+v", p)
	}

	if rec := do(e, httptest.NewRequest(http.MethodGet, "/posts/99", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("missing post status = %d, want 404", rec.Code)
	}
	if rec := do(e, httptest.NewRequest(http.MethodGet, "/posts/abc", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestGetPosts_Stream(t *testing.T) {
	e, posts := newTestServer(t)
	seed(t, posts)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/posts?page=1&size=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != ndjson {
		t.Errorf("Content-Type = %q", ct)
	}
	got := readLines(t, rec.Body.String())
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Errorf("page 1 = %+v", got)
	}

	got = readLines(t, do(e, httptest.NewRequest(http.MethodGet, "/posts?page=2&size=2", nil)).Body.String())
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 4 {
		t.Errorf("page 2 = %+v", got)
	}
}

func TestGetPosts_PageParams(t *testing.T) {
	e, posts := newTestServer(t)
	seed(t, posts)

	// MaxPageSize is 3 in the test server.
	got := readLines(t, do(e, httptest.NewRequest(http.MethodGet, "/posts?size=50", nil)).Body.String())
	if len(got) != 3 {
		t.Errorf("capped page = %d posts, want 3", len(got))
	}

	for _, q := range []string{"page=0", "size=0", "page=x", "page=4611686018427387905&size=100"} {
		if rec := do(e, httptest.NewRequest(http.MethodGet, "/posts?"+q, nil)); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestSearch(t *testing.T) {
	e, posts := newTestServer(t)
	seed(t, posts)

	tests := []struct {
		q    string
		want []int64
	}{
		{"snowman", []int64{1, 2}},
		{"DEF 123", []int64{1, 2}},
		{"abc def 123", []int64{1}},
		{"fireman", []int64{3, 4}},
		{"abc xyz", nil},
	}
	for _, tt := range tests {
		rec := do(e, httptest.NewRequest(http.MethodGet, "/search?q="+url.QueryEscape(tt.q), nil))
		got := readLines(t, rec.Body.String())
		if len(got) != len(tt.want) {
			t.Errorf("search %q = %d posts, want %d", tt.q, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].ID != tt.want[i] {
				t.Errorf("search %q[%d] = %d, want %d", tt.q, i, got[i].ID, tt.want[i])
			}
		}
	}
}

func TestEditPost(t *testing.T) {
	e, posts := newTestServer(t)
	seed(t, posts)

	for _, method := range []string{http.MethodPost, http.MethodPut} {
		body := `{"writer":"iceman","text":"cold ` + method + `"}`
		req := httptest.NewRequest(method, "/posts/1", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := do(e, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, body = %s", method, rec.Code, rec.Body)
		}
	}

	got := readLines(t, do(e, httptest.NewRequest(http.MethodGet, "/search?q=iceman", nil)).Body.String())
	if len(got) != 1 || got[0].Text != "cold PUT" {
		t.Errorf("after edit = %+v", got)
	}
	if got := readLines(t, do(e, httptest.NewRequest(http.MethodGet, "/search?q=abc", nil)).Body.String()); len(got) != 0 {
		t.Errorf("old tokens still match: %+v", got)
	}

	req := httptest.NewRequest(http.MethodPut, "/posts/99", strings.NewReader(`{"writer":"w","text":"t"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if rec := do(e, req); rec.Code != http.StatusNotFound {
		t.Errorf("edit missing status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	e, posts := newTestServer(t)
	seed(t, posts)

	rec := do(e, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
		Posts  int64  `json:"posts"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Status != "ok" || body.Posts != 4 {
		t.Errorf("health = %+v", body)
	}
}
