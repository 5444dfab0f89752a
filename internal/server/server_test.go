package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatdock/chatdock/internal/config"
	"github.com/chatdock/chatdock/internal/handlers"
)

type adminHandler struct{}

func (adminHandler) Register(e *echo.Echo) {
	e.GET("/api/probe", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.POST("/webhooks/fake", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(nil, config.ServerConfig{Addr: ":0", JWTSecret: "test-secret"},
		handlers.NewPingHandler(), adminHandler{})
}

func signedToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestPingIsOpen(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhooksAreOpen(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAPIRequiresJWT(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/probe", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/probe", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signedToken(t, "test-secret"))
	rec = httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAPIRejectsForeignToken(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/probe", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signedToken(t, "other-secret"))
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
