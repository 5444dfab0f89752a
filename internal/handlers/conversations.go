package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/chatdock/chatdock/internal/conversation"
	"github.com/chatdock/chatdock/internal/lock"
	"github.com/chatdock/chatdock/internal/reply"
)

// ConversationHandler drives the conversation lifecycle from the admin API.
type ConversationHandler struct {
	conversations *conversation.Service
	generator     reply.Generator
	logger        *slog.Logger
}

func NewConversationHandler(log *slog.Logger, conversations *conversation.Service, generator reply.Generator) *ConversationHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationHandler{
		conversations: conversations,
		generator:     generator,
		logger:        log.With(slog.String("service", "conversations")),
	}
}

func (h *ConversationHandler) Register(e *echo.Echo) {
	g := e.Group("/api/conversations")
	g.GET("/:id", h.get)
	g.GET("/:id/messages", h.messages)
	g.POST("/:id/close", h.close)
	g.POST("/:id/snooze", h.snooze)
	g.POST("/:id/reopen", h.reopen)
	g.POST("/:id/reply", h.reply)
}

func (h *ConversationHandler) get(c echo.Context) error {
	conv, err := h.conversations.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.convError(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) messages(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	msgs, err := h.conversations.Messages(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return h.convError(c, err)
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

func (h *ConversationHandler) close(c echo.Context) error {
	err := h.conversations.Close(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return errorJSON(c, http.StatusConflict, "conversation is being updated, retry")
		}
		return h.convError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ConversationHandler) snooze(c echo.Context) error {
	if err := h.conversations.Snooze(c.Request().Context(), c.Param("id")); err != nil {
		return h.convError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ConversationHandler) reopen(c echo.Context) error {
	if err := h.conversations.Reopen(c.Request().Context(), c.Param("id")); err != nil {
		return h.convError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type replyRequest struct {
	Body string `json:"body"`
}

// reply sends an agent-authored message, or drafts one through the reply
// collaborator when the request body is empty.
func (h *ConversationHandler) reply(c echo.Context) error {
	var req replyRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	role := conversation.RoleAgent
	body := req.Body
	if body == "" {
		if h.generator == nil {
			return errorJSON(c, http.StatusBadRequest, "reply body is required")
		}
		conv, err := h.conversations.Get(ctx, id)
		if err != nil {
			return h.convError(c, err)
		}
		history, err := h.conversations.Messages(ctx, id, 50)
		if err != nil {
			return h.convError(c, err)
		}
		body, err = h.generator.Generate(ctx, *conv, history)
		if err != nil {
			h.logger.Error("generate reply", slog.String("conversation_id", id), slog.Any("error", err))
			return errorJSON(c, http.StatusBadGateway, "reply generation failed")
		}
		if body == "" {
			return c.NoContent(http.StatusNoContent)
		}
		role = conversation.RoleBot
	}

	msg, err := h.conversations.Reply(ctx, id, role, body)
	if err != nil {
		return h.convError(c, err)
	}
	return c.JSON(http.StatusAccepted, msg)
}

func (h *ConversationHandler) convError(c echo.Context, err error) error {
	if errors.Is(err, conversation.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "conversation not found")
	}
	return errorJSON(c, http.StatusBadRequest, err.Error())
}
