package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chatdock/chatdock/internal/vault"
)

// ConnectionHandler is the admin CRUD surface for channel connections.
// Credential material only ever travels inbound; responses never include it.
type ConnectionHandler struct {
	vault *vault.Service
}

func NewConnectionHandler(v *vault.Service) *ConnectionHandler {
	return &ConnectionHandler{vault: v}
}

func (h *ConnectionHandler) Register(e *echo.Echo) {
	g := e.Group("/api/connections")
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.PUT("/:id/credentials", h.rotate)
	g.DELETE("/:id", h.deactivate)
}

func (h *ConnectionHandler) create(c echo.Context) error {
	var req vault.CreateRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	conn, err := h.vault.Create(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, conn)
}

func (h *ConnectionHandler) list(c echo.Context) error {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return errorJSON(c, http.StatusBadRequest, "tenant_id is required")
	}
	conns, err := h.vault.ListByTenant(c.Request().Context(), tenantID)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if conns == nil {
		conns = []vault.Connection{}
	}
	return c.JSON(http.StatusOK, conns)
}

func (h *ConnectionHandler) get(c echo.Context) error {
	conn, err := h.vault.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "connection not found")
		}
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conn)
}

type rotateRequest struct {
	Credentials map[string]string `json:"credentials"`
}

func (h *ConnectionHandler) rotate(c echo.Context) error {
	var req rotateRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Credentials) == 0 {
		return errorJSON(c, http.StatusBadRequest, "credentials are required")
	}
	err := h.vault.RotateCredentials(c.Request().Context(), c.Param("id"), req.Credentials)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "connection not found")
		}
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ConnectionHandler) deactivate(c echo.Context) error {
	err := h.vault.Deactivate(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "connection not found")
		}
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
