// Package server exposes the read-only diagnostics surface: health,
// active-call listing, and Prometheus metrics. It never mutates call state.
package server

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/voxa-labs/callbridge/pkg/core/dialog"
	"github.com/voxa-labs/callbridge/pkg/core/metrics"
)

type Server struct {
	registry *dialog.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	echo     *echo.Echo
}

func New(registry *dialog.Registry, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		registry: registry,
		metrics:  m,
		logger:   logger,
		echo:     e,
	}

	e.GET("/healthz", s.healthz)
	e.GET("/calls", s.listCalls)
	e.GET("/calls/:id", s.getCall)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	return s
}

// Handler returns the HTTP handler for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.registry.Count(),
	})
}

func (s *Server) listCalls(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"calls": s.registry.Snapshot(),
	})
}

func (s *Server) getCall(c echo.Context) error {
	id := c.Param("id")
	session, ok := s.registry.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "call not found"})
	}
	return c.JSON(http.StatusOK, session.Summarize())
}
