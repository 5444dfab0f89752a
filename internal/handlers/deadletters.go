package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/chatdock/chatdock/internal/ingest"
)

// DeadLetterStore is the queue surface the handler needs.
type DeadLetterStore interface {
	ListDead(ctx context.Context, limit int) ([]ingest.Job, error)
	RequeueDead(ctx context.Context, id int64) error
}

// DeadLetterHandler exposes dead-lettered ingest jobs for inspection and
// operator-driven requeue.
type DeadLetterHandler struct {
	queue DeadLetterStore
}

func NewDeadLetterHandler(queue DeadLetterStore) *DeadLetterHandler {
	return &DeadLetterHandler{queue: queue}
}

func (h *DeadLetterHandler) Register(e *echo.Echo) {
	e.GET("/api/deadletters", h.list)
	e.POST("/api/deadletters/:id/requeue", h.requeue)
}

func (h *DeadLetterHandler) list(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	jobs, err := h.queue.ListDead(c.Request().Context(), limit)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	if jobs == nil {
		jobs = []ingest.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (h *DeadLetterHandler) requeue(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid job id")
	}
	if err := h.queue.RequeueDead(c.Request().Context(), id); err != nil {
		if errors.Is(err, ingest.ErrJobNotFound) {
			return errorJSON(c, http.StatusNotFound, "dead job not found")
		}
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
