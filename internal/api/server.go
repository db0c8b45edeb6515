// Package api exposes the trigger and query surface over HTTP: definition
// publishing, execution lifecycle (trigger, cancel, pause, resume, replay),
// signal delivery, event log pagination, schedules, diagrams and a live SSE
// stream. Every durable operation goes through the store; the hub only adds
// best-effort streaming on top.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/scheduler"
	"github.com/rendis/relay/internal/signals"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/streaming"
	"github.com/rendis/relay/internal/validation"
)

// Deps holds the server's collaborators. Store, Router and Validator are
// required; Engine enables replay, Scheduler keeps schedule rows in sync on
// publish, Hub feeds the SSE endpoints. Nil optional deps disable the
// corresponding endpoints with a 503 instead of panicking.
type Deps struct {
	Store     store.Store
	Engine    *engine.Engine
	Router    *signals.Router
	Validator *validation.WorkflowValidator
	Scheduler *scheduler.Scheduler
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// NewServer builds the server and mounts all routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Logger))

	s := &Server{deps: deps, echo: e}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealth)

	v1 := s.echo.Group("/api/v1")

	v1.POST("/definitions", s.handlePublishDefinition)
	v1.GET("/definitions", s.handleListDefinitions)
	v1.GET("/definitions/:workflow_id", s.handleGetDefinition)
	v1.PUT("/definitions/:workflow_id/active", s.handleSetActive)
	v1.GET("/definitions/:workflow_id/diagram", s.handleDefinitionDiagram)

	v1.POST("/executions", s.handleTrigger)
	v1.GET("/executions", s.handleListExecutions)
	v1.GET("/executions/:id", s.handleGetExecution)
	v1.POST("/executions/:id/cancel", s.handleCancel)
	v1.POST("/executions/:id/pause", s.handlePause)
	v1.POST("/executions/:id/resume", s.handleResume)
	v1.POST("/executions/:id/replay", s.handleReplay)
	v1.POST("/executions/:id/signals", s.handleSubmitSignal)
	v1.GET("/executions/:id/signals", s.handleListSignals)
	v1.GET("/executions/:id/events", s.handleListEvents)
	v1.GET("/executions/:id/diagram", s.handleExecutionDiagram)
	v1.GET("/executions/:id/stream", s.handleExecutionStream)

	v1.GET("/events/stream", s.handleGlobalStream)
	v1.GET("/schedules", s.handleListSchedules)
}

// Handler returns the underlying handler, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start blocks serving on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// requestLogger emits one slog record per request. SSE requests are logged
// on connect, not on completion, so long-lived streams still show up.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.Any("error", v.Error))
			}
			logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "http request", attrs...)
			return nil
		},
	})
}
