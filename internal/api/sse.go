package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/relay/internal/streaming"
)

// handleGlobalStream streams all live events via Server-Sent Events.
// ?execution_id and ?event_types (comma-separated) narrow the feed.
func (s *Server) handleGlobalStream(c echo.Context) error {
	filter := streaming.EventFilter{
		ExecutionID: c.QueryParam("execution_id"),
	}
	if raw := c.QueryParam("event_types"); raw != "" {
		filter.EventTypes = strings.Split(raw, ",")
	}
	return s.serveSSE(c, filter)
}

// handleExecutionStream streams one execution's live events.
func (s *Server) handleExecutionStream(c echo.Context) error {
	id := c.Param("id")
	// Resolve first so a bad id gets a 404 instead of a silent empty feed.
	if _, err := s.deps.Store.GetExecution(c.Request().Context(), id); err != nil {
		return s.respondError(c, err)
	}
	return s.serveSSE(c, streaming.EventFilter{ExecutionID: id})
}

// serveSSE is the common SSE implementation. Events mirror already
// committed log entries, so a dropped connection loses nothing the
// events endpoint cannot replay.
func (s *Server) serveSSE(c echo.Context, filter streaming.EventFilter) error {
	if s.deps.Hub == nil {
		return c.JSON(http.StatusServiceUnavailable,
			map[string]string{"error": "event streaming is not available"})
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		s.deps.Logger.Error("sse subscribe failed", "error", err)
		return nil
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			w.Flush()
		}
	}
}
