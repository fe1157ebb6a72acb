// Package web serves a read-only JSON API over stored runs and the run event log.
package web

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lucasnoah/wayfinder/internal/db"
	"github.com/lucasnoah/wayfinder/internal/pipeline"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Server is the status API server.
type Server struct {
	store  *pipeline.Store
	db     *db.DB // nil disables the event endpoints
	addr   string
	logger Logger
	echo   *echo.Echo

	pollInterval time.Duration // SSE poll period
}

// NewServer creates a Server and registers its routes.
func NewServer(store *pipeline.Store, database *db.DB, addr string, logger Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		store:        store,
		db:           database,
		addr:         addr,
		logger:       logger,
		pollInterval: time.Second,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	s.echo = e
	s.RegisterRoutes(e)
	return s
}

// RegisterRoutes mounts the API on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/sessions", s.handleSessions)
	e.GET("/sessions/:session/runs", s.handleRuns, validIDs)
	e.GET("/sessions/:session/latest", s.handleLatest, validIDs)
	e.GET("/sessions/:session/runs/:run/manifest", s.handleManifest, validIDs)
	e.GET("/sessions/:session/runs/:run/stages/:stage", s.handleStage, validIDs)
	e.GET("/sessions/:session/runs/:run/workers", s.handleWorkers, validIDs)
	e.GET("/runs", s.handleRecentRuns)
	e.GET("/runs/:run/events", s.handleEvents, validIDs)
	e.GET("/runs/:run/stream", s.handleStream, validIDs)
	e.GET("/runs/:run/timeline", s.handleTimeline, validIDs)
	e.GET("/stats", s.handleStats)
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("status API listening", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// validIDs answers 400 for a :session or :run path parameter outside pipeline.IDPattern.
func validIDs(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		for _, kind := range []string{"session", "run"} {
			v := c.Param(kind)
			if v == "" {
				continue
			}
			if err := pipeline.ValidateID(kind, v); err != nil {
				return errorJSON(c, http.StatusBadRequest, err.Error())
			}
		}
		return next(c)
	}
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}
