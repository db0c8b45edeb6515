package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// handleTrigger starts a new execution of a published workflow. The
// execution is created PENDING; a worker claims and advances it.
func (s *Server) handleTrigger(c echo.Context) error {
	ctx := c.Request().Context()

	var body struct {
		WorkflowID string          `json:"workflow_id"`
		Version    int             `json:"version"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := c.Bind(&body); err != nil {
		return s.badRequest(c, "invalid JSON: "+err.Error())
	}
	if body.WorkflowID == "" {
		return s.badRequest(c, "workflow_id is required")
	}

	var (
		def *store.Definition
		err error
	)
	if body.Version > 0 {
		def, err = s.deps.Store.GetDefinition(ctx, body.WorkflowID, body.Version)
	} else {
		def, err = s.deps.Store.LatestDefinition(ctx, body.WorkflowID)
	}
	if err != nil {
		return s.respondError(c, err)
	}
	if !def.Active {
		return s.respondError(c, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is deactivated", body.WorkflowID))
	}

	exec := &store.Execution{
		WorkflowID:      def.WorkflowID,
		WorkflowVersion: def.Version,
		TriggerPayload:  body.Payload,
	}
	if err := s.deps.Store.CreateExecution(ctx, exec); err != nil {
		return s.respondError(c, err)
	}

	s.deps.Logger.Info("execution triggered",
		"execution_id", exec.ID,
		"workflow_id", def.WorkflowID,
		"workflow_version", def.Version)

	return c.JSON(http.StatusCreated, exec)
}

// handleListExecutions lists executions, optionally filtered.
func (s *Server) handleListExecutions(c echo.Context) error {
	filter := store.ExecutionFilter{
		WorkflowID: c.QueryParam("workflow_id"),
		ParentID:   c.QueryParam("parent_id"),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	}
	if raw := c.QueryParam("status"); raw != "" {
		status := schema.ExecutionStatus(raw)
		if !status.Valid() {
			return s.badRequest(c, "unknown status "+raw)
		}
		filter.Status = &status
	}

	execs, err := s.deps.Store.ListExecutions(c.Request().Context(), filter)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": execs, "count": len(execs)})
}

// handleGetExecution returns the current state of one execution.
func (s *Server) handleGetExecution(c echo.Context) error {
	exec, err := s.deps.Store.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// handleCancel requests cancellation. Unleased executions are finalized
// immediately; leased ones are finalized by the engine on its next tick.
func (s *Server) handleCancel(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional; a bare POST cancels without a reason.
	_ = c.Bind(&body)
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}

	exec, err := s.deps.Store.RequestCancel(c.Request().Context(), c.Param("id"), body.Reason)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// handlePause requests a manual pause. The execution parks at the next
// node boundary and stays unclaimable until resumed.
func (s *Server) handlePause(c echo.Context) error {
	exec, err := s.deps.Store.RequestPause(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// handleResume lifts a manual pause, making the execution claimable again.
func (s *Server) handleResume(c echo.Context) error {
	exec, err := s.deps.Store.ResumePaused(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// handleReplay forks a failed execution into a fresh one starting at
// the given node (default: the node it failed on), seeded with the
// state checkpoint recorded before that node first ran.
func (s *Server) handleReplay(c echo.Context) error {
	if s.deps.Engine == nil {
		return c.JSON(http.StatusServiceUnavailable,
			map[string]string{"error": "replay is not available"})
	}

	var body struct {
		FromNodeID string `json:"from_node_id"`
	}
	// Body is optional; a bare POST replays from the failed node.
	_ = c.Bind(&body)

	replayed, err := s.deps.Engine.Replay(c.Request().Context(), c.Param("id"), body.FromNodeID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, replayed)
}

// handleSubmitSignal delivers a signal to an execution's mailbox and
// resumes it when it is waiting for that signal type.
func (s *Server) handleSubmitSignal(c echo.Context) error {
	var body struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.Bind(&body); err != nil {
		return s.badRequest(c, "invalid JSON: "+err.Error())
	}

	receipt, err := s.deps.Router.Deliver(c.Request().Context(), &schema.Signal{
		ExecutionID: c.Param("id"),
		Type:        body.Type,
		Payload:     body.Payload,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, receipt)
}

// handleListSignals lists an execution's signal mailbox, processed and
// pending alike.
func (s *Server) handleListSignals(c echo.Context) error {
	sigs, err := s.deps.Router.Pending(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"signals": sigs, "count": len(sigs)})
}

// handleListEvents pages through an execution's event log. since_seq
// supports incremental tailing: pass the last seen sequence to get only
// newer events.
func (s *Server) handleListEvents(c echo.Context) error {
	filter := store.EventFilter{
		ExecutionID: c.Param("id"),
		NodeID:      c.QueryParam("node_id"),
		EventType:   c.QueryParam("event_type"),
		SinceSeq:    queryInt64(c, "since_seq", 0),
		Limit:       queryInt(c, "limit", 100),
		Offset:      queryInt(c, "offset", 0),
	}

	events, err := s.deps.Store.ListEvents(c.Request().Context(), filter)
	if err != nil {
		return s.respondError(c, err)
	}

	var lastSeq int64
	if len(events) > 0 {
		lastSeq = events[len(events)-1].Sequence
	}
	return c.JSON(http.StatusOK, map[string]any{
		"events":   events,
		"count":    len(events),
		"last_seq": lastSeq,
	})
}

// handleListSchedules lists cron schedules.
func (s *Server) handleListSchedules(c echo.Context) error {
	filter := store.ScheduleFilter{
		WorkflowID: c.QueryParam("workflow_id"),
		Active:     queryBool(c, "active"),
		Limit:      queryInt(c, "limit", 50),
	}

	scheds, err := s.deps.Store.ListSchedules(c.Request().Context(), filter)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"schedules": scheds, "count": len(scheds)})
}
