package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/relay/internal/diagram"
	"github.com/rendis/relay/internal/store"
)

// handleDefinitionDiagram renders the static topology of a published
// definition, with no execution overlay.
func (s *Server) handleDefinitionDiagram(c echo.Context) error {
	ctx := c.Request().Context()
	workflowID := c.Param("workflow_id")

	var (
		def *store.Definition
		err error
	)
	if v := queryInt(c, "version", 0); v > 0 {
		def, err = s.deps.Store.GetDefinition(ctx, workflowID, v)
	} else {
		def, err = s.deps.Store.LatestDefinition(ctx, workflowID)
	}
	if err != nil {
		return s.respondError(c, err)
	}

	model, err := diagram.Build(&def.Document, nil, nil)
	if err != nil {
		return s.respondError(c, err)
	}
	return s.renderDiagram(c, model)
}

// handleExecutionDiagram renders an execution's workflow graph with a
// per-node status overlay derived from its event log.
func (s *Server) handleExecutionDiagram(c echo.Context) error {
	ctx := c.Request().Context()

	exec, err := s.deps.Store.GetExecution(ctx, c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	def, err := s.deps.Store.GetDefinition(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return s.respondError(c, err)
	}
	events, err := s.deps.Store.ListEvents(ctx, store.EventFilter{ExecutionID: exec.ID})
	if err != nil {
		return s.respondError(c, err)
	}

	model, err := diagram.Build(&def.Document, exec, events)
	if err != nil {
		return s.respondError(c, err)
	}
	return s.renderDiagram(c, model)
}

// renderDiagram writes the model in the requested format. Text formats
// return inline; image formats set a Content-Type the browser renders.
func (s *Server) renderDiagram(c echo.Context, model *diagram.DiagramModel) error {
	switch format := c.QueryParam("format"); format {
	case "", "mermaid":
		return c.String(http.StatusOK, diagram.RenderMermaid(model))
	case "ascii":
		return c.String(http.StatusOK, diagram.RenderASCII(model))
	case "png":
		img, err := diagram.RenderImage(model)
		if err != nil {
			return s.respondError(c, err)
		}
		return c.Blob(http.StatusOK, "image/png", img)
	case "svg":
		img, err := diagram.RenderSVG(model)
		if err != nil {
			return s.respondError(c, err)
		}
		return c.Blob(http.StatusOK, "image/svg+xml", img)
	default:
		return s.badRequest(c, "unknown format "+format+" (want mermaid, ascii, png or svg)")
	}
}
