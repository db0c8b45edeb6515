package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// handlePublishDefinition validates and publishes a workflow definition.
// Publishing the same graph twice is a no-op returning the existing
// version; a changed graph gets the next version number.
func (s *Server) handlePublishDefinition(c echo.Context) error {
	ctx := c.Request().Context()

	var doc schema.WorkflowDefinition
	if err := c.Bind(&doc); err != nil {
		return s.badRequest(c, "invalid definition JSON: "+err.Error())
	}

	result := s.deps.Validator.Validate(&doc)
	if !result.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"valid":    false,
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
	}

	def, err := s.deps.Store.PublishDefinition(ctx, &store.Definition{Document: doc})
	if err != nil {
		return s.respondError(c, err)
	}

	// Keep the schedule row in step with the published trigger. The
	// scheduler loop would converge on its own; this removes the lag.
	if s.deps.Scheduler != nil {
		if _, syncErr := s.deps.Scheduler.EnsureSchedules(ctx); syncErr != nil {
			s.deps.Logger.Warn("schedule sync after publish failed",
				"workflow_id", def.WorkflowID, "error", syncErr)
		}
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"definition": def,
		"warnings":   result.Warnings,
	})
}

// handleListDefinitions lists published definitions, optionally filtered.
func (s *Server) handleListDefinitions(c echo.Context) error {
	filter := store.DefinitionFilter{
		WorkflowID: c.QueryParam("workflow_id"),
		Active:     queryBool(c, "active"),
		LatestOnly: c.QueryParam("latest_only") == "true",
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	}

	defs, err := s.deps.Store.ListDefinitions(c.Request().Context(), filter)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"definitions": defs, "count": len(defs)})
}

// handleGetDefinition returns one definition: the latest version by
// default, or the one selected with ?version=N.
func (s *Server) handleGetDefinition(c echo.Context) error {
	ctx := c.Request().Context()
	workflowID := c.Param("workflow_id")
	version := queryInt(c, "version", 0)

	var (
		def *store.Definition
		err error
	)
	if version > 0 {
		def, err = s.deps.Store.GetDefinition(ctx, workflowID, version)
	} else {
		def, err = s.deps.Store.LatestDefinition(ctx, workflowID)
	}
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// handleSetActive toggles whether new executions and schedule fires are
// admitted for a workflow. Running executions are unaffected.
func (s *Server) handleSetActive(c echo.Context) error {
	ctx := c.Request().Context()
	workflowID := c.Param("workflow_id")

	var body struct {
		Active bool `json:"active"`
	}
	if err := c.Bind(&body); err != nil {
		return s.badRequest(c, "invalid JSON: "+err.Error())
	}

	if err := s.deps.Store.SetWorkflowActive(ctx, workflowID, body.Active); err != nil {
		return s.respondError(c, err)
	}

	if s.deps.Scheduler != nil {
		if _, syncErr := s.deps.Scheduler.EnsureSchedules(ctx); syncErr != nil {
			s.deps.Logger.Warn("schedule sync after activation toggle failed",
				"workflow_id", workflowID, "error", syncErr)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"workflow_id": workflowID,
		"active":      body.Active,
	})
}
