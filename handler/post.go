package handler

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/labstack/echo/v4"
	"github.com/microcosm-cc/bluemonday"

	"postyard/domain"
	"postyard/service"
	"postyard/store"
)

const ndjson = "application/x-ndjson"

var sanitizerUGC = bluemonday.UGCPolicy()

type PostDTO struct {
	ID      int64         `json:"id"`
	Created time.Time     `json:"created"`
	Writer  string        `json:"writer"`
	Text    string        `json:"text"`
	HTML    template.HTML `json:"html"`
	Tokens  []string      `json:"tokens"`
}

func toDTO(p domain.Post) PostDTO {
	return PostDTO{
		ID:      p.ID,
		Created: p.Created,
		Writer:  p.Writer,
		Text:    p.Text,
		HTML:    safeMd(p.Text),
		Tokens:  p.Tokens,
	}
}

type postForm struct {
	Writer  string `json:"writer" form:"writer"`
	Text    string `json:"text" form:"text"`
	Created string `json:"created" form:"created"`
}

func (h *Handler) NewPost(c echo.Context) error {
	var f postForm
	if err := c.Bind(&f); err != nil {
		return err
	}
	draft := service.Draft{Writer: f.Writer, Text: f.Text}
	if f.Created != "" {
		created, err := time.Parse(time.RFC3339, f.Created)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "created must be an RFC 3339 timestamp")
		}
		draft.Created = created
	}

	p, err := h.Posts.Create(c.Request().Context(), draft)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderLocation, fmt.Sprintf("/posts/%d", p.ID))
	return c.JSON(http.StatusCreated, toDTO(p))
}

func (h *Handler) EditPost(c echo.Context) error {
	id, err := postID(c)
	if err != nil {
		return err
	}
	var f postForm
	if err := c.Bind(&f); err != nil {
		return err
	}
	p, err := h.Posts.Edit(c.Request().Context(), id, f.Writer, f.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toDTO(p))
}

func (h *Handler) GetByID(c echo.Context) error {
	id, err := postID(c)
	if err != nil {
		return err
	}
	p, err := h.Posts.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toDTO(p))
}

// GetPosts streams one page of posts, newest first, one JSON object per line.
func (h *Handler) GetPosts(c echo.Context) error {
	page, size, err := h.pageParams(c)
	if err != nil {
		return err
	}
	cur, err := h.Posts.List(c.Request().Context(), page, size)
	if err != nil {
		return httpError(err)
	}
	return stream(c, cur)
}

// Search streams posts containing every token of the q parameter.
func (h *Handler) Search(c echo.Context) error {
	page, size, err := h.pageParams(c)
	if err != nil {
		return err
	}
	cur, err := h.Posts.Search(c.Request().Context(), c.QueryParam("q"), page, size)
	if err != nil {
		return httpError(err)
	}
	return stream(c, cur)
}

func (h *Handler) pageParams(c echo.Context) (int, int, error) {
	page, size := 1, h.PageSize
	err := echo.QueryParamsBinder(c).
		Int("page", &page).
		Int("size", &size).
		BindError()
	if err != nil {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "page and size must be integers")
	}
	if h.MaxPageSize > 0 && size > h.MaxPageSize {
		size = h.MaxPageSize
	}
	return page, size, nil
}

func postID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid post id")
	}
	return id, nil
}

// stream writes each post as soon as the cursor yields it. The status line
// is already sent when a read fails, so the failure is reported as a final
// {"error": ...} line.
func stream(c echo.Context, cur *store.Cursor) error {
	defer cur.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, ndjson)
	res.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(res)
	for p, err := range cur.All() {
		if err != nil {
			c.Logger().Error(err)
			return enc.Encode(map[string]string{"error": "reading posts failed"})
		}
		if err := enc.Encode(toDTO(p)); err != nil {
			return err
		}
		res.Flush()
	}
	return nil
}

func mdToHTML(md string) []byte {
	// create markdown parser with extensions
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse([]byte(md))

	// create HTML renderer with extensions
	htmlFlags := html.CommonFlags | html.HrefTargetBlank
	opts := html.RendererOptions{Flags: htmlFlags}
	renderer := html.NewRenderer(opts)

	return markdown.Render(doc, renderer)
}

func safeMd(content string) template.HTML {
	return template.HTML(sanitizerUGC.SanitizeBytes(mdToHTML(content)))
}
