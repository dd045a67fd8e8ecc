package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"postyard/domain"
	"postyard/service"
)

type Handler struct {
	Posts       *service.Posts
	PageSize    int
	MaxPageSize int
}

// Register mounts the post API on e.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	e.GET("/posts", h.GetPosts)
	e.GET("/posts/:id", h.GetByID)
	e.GET("/search", h.Search)
	e.POST("/posts", h.NewPost)
	e.POST("/posts/:id", h.EditPost)
	e.PUT("/posts/:id", h.EditPost)
}

func (h *Handler) Health(c echo.Context) error {
	n, err := h.Posts.Count(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "posts": n})
}

// httpError maps store and service errors onto status codes, keeping the
// cause for the error handler's log.
func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateID):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidPage), errors.Is(err, service.ErrEmptyPost):
		code = http.StatusBadRequest
	}
	msg := http.StatusText(code)
	if code != http.StatusInternalServerError {
		msg = err.Error()
	}
	return echo.NewHTTPError(code, msg).SetInternal(err)
}
