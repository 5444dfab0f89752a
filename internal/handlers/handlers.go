// Package handlers holds the echo HTTP handlers: provider webhooks and the
// JWT-protected admin API.
package handlers

import (
	"github.com/labstack/echo/v4"
)

// Handler registers a group of routes on the server.
type Handler interface {
	Register(e *echo.Echo)
}

// ErrorResponse is the JSON error body for all handlers.
type ErrorResponse struct {
	Message string `json:"message"`
}

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, ErrorResponse{Message: message})
}
