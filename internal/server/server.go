// Package server assembles the echo HTTP server: recovery, slog request
// logging, and JWT auth on the admin API. Webhook and liveness routes stay
// open; providers authenticate with signatures instead.
package server

import (
	"context"
	"log/slog"
	"strings"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chatdock/chatdock/internal/config"
	"github.com/chatdock/chatdock/internal/handlers"
)

// Server wraps echo with the application's middleware stack.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
}

func New(log *slog.Logger, cfg config.ServerConfig, hs ...handlers.Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("service", "http"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogMethod: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
				log.Error("request", attrs...)
				return nil
			}
			log.Info("request", attrs...)
			return nil
		},
	}))

	if cfg.JWTSecret != "" {
		e.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey: []byte(cfg.JWTSecret),
			Skipper: func(c echo.Context) bool {
				p := c.Path()
				return p == "/ping" || strings.HasPrefix(p, "/webhooks/")
			},
		}))
	}

	for _, h := range hs {
		h.Register(e)
	}

	return &Server{echo: e, addr: cfg.Addr, logger: log}
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start begins serving. It blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
