package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/relay/internal/diagram"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// statusEventTail caps how many trailing events relay.status returns.
const statusEventTail = 10

// handleTrigger starts a new execution of a published workflow.
func (s *RelayServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	version := req.GetString("version", "")
	payload := mcp.ParseStringMap(req, "payload", nil)

	def, defErr := s.resolveDefinition(ctx, workflowID, version)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition lookup failed: %v", defErr)), nil
	}
	if !def.Active {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %s is deactivated", workflowID)), nil
	}

	exec := &store.Execution{
		WorkflowID:      def.WorkflowID,
		WorkflowVersion: def.Version,
	}
	if payload != nil {
		raw, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", marshalErr)), nil
		}
		exec.TriggerPayload = raw
	}

	if createErr := s.store.CreateExecution(ctx, exec); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create execution: %v", createErr)), nil
	}

	// Remember who triggered it so terminal events can be pushed back.
	s.captureSession(ctx, exec.ID)

	return marshalResult(exec)
}

// handleStatus returns an execution with the tail of its event log.
func (s *RelayServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, execErr := s.store.GetExecution(ctx, executionID)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", execErr)), nil
	}

	events, evErr := s.store.ListEvents(ctx, store.EventFilter{ExecutionID: executionID})
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}
	if len(events) > statusEventTail {
		events = events[len(events)-statusEventTail:]
	}

	return marshalResult(map[string]any{
		"execution":     exec,
		"recent_events": events,
	})
}

// handleSignal delivers a signal to an execution's mailbox.
func (s *RelayServer) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	signalType, err := req.RequireString("signal_type")
	if err != nil {
		return mcp.NewToolResultError("signal_type is required"), nil
	}

	sig := &schema.Signal{
		ExecutionID: executionID,
		Type:        signalType,
	}
	if payload := mcp.ParseStringMap(req, "payload", nil); payload != nil {
		raw, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", marshalErr)), nil
		}
		sig.Payload = raw
	}

	receipt, sigErr := s.router.Deliver(ctx, sig)
	if sigErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("signal failed: %v", sigErr)), nil
	}

	s.captureSession(ctx, executionID)

	return marshalResult(map[string]any{
		"ok":           true,
		"signal_id":    receipt.SignalID,
		"execution_id": receipt.ExecutionID,
		"signal_type":  signalType,
		"routed":       receipt.Routed,
	})
}

// handleCancel requests cancellation of an execution.
func (s *RelayServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	exec, cancelErr := s.store.RequestCancel(ctx, executionID, reason)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(exec)
}

// handleReplay forks a failed execution into a fresh one.
func (s *RelayServer) handleReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.engine == nil {
		return mcp.NewToolResultError("replay is not available"), nil
	}
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	fromNodeID := req.GetString("from_node_id", "")

	replayed, replayErr := s.engine.Replay(ctx, executionID, fromNodeID)
	if replayErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", replayErr)), nil
	}

	s.captureSession(ctx, replayed.ID)

	return marshalResult(replayed)
}

// handleDefine validates and publishes a workflow definition.
func (s *RelayServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed WorkflowDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var doc schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &doc); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	var warnings []schema.ValidationIssue
	if s.validator != nil {
		result := s.validator.Validate(&doc)
		if !result.Valid() {
			return marshalResult(map[string]any{
				"valid":  false,
				"errors": result.Errors,
			})
		}
		warnings = result.Warnings
	}

	def, pubErr := s.store.PublishDefinition(ctx, &store.Definition{Document: doc})
	if pubErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to publish definition: %v", pubErr)), nil
	}

	out := map[string]any{
		"workflow_id": def.WorkflowID,
		"version":     def.Version,
		"active":      def.Active,
		"checksum":    def.Checksum,
	}
	if len(warnings) > 0 {
		out["warnings"] = warnings
	}
	return marshalResult(out)
}

// handleQuery lists executions, definitions, events, schedules, signals
// or the activity catalog.
func (s *RelayServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "definitions":
		return s.queryDefinitions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	case "signals":
		return s.querySignals(ctx, filter)
	case "activities":
		return s.queryActivities(filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *RelayServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		ParentID:   extractString(filter, "parent_execution_id"),
		Limit:      extractInt(filter, "limit", 50),
		Offset:     extractInt(filter, "offset", 0),
	}
	if status := extractString(filter, "status"); status != "" {
		st := schema.ExecutionStatus(status)
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", status)), nil
		}
		ef.Status = &st
	}
	if since := extractString(filter, "since"); since != "" {
		if t, terr := time.Parse(time.RFC3339, since); terr == nil {
			ef.Since = &t
		}
	}

	execs, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *RelayServer) queryDefinitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	df := store.DefinitionFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		LatestOnly: extractBool(filter, "latest_only"),
		Limit:      extractInt(filter, "limit", 50),
		Offset:     extractInt(filter, "offset", 0),
	}
	if v, ok := filter["active"].(bool); ok {
		df.Active = &v
	}

	defs, err := s.store.ListDefinitions(ctx, df)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

func (s *RelayServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		ExecutionID: extractString(filter, "execution_id"),
		NodeID:      extractString(filter, "node_id"),
		EventType:   extractString(filter, "event_type"),
		SinceSeq:    int64(extractInt(filter, "since_seq", 0)),
		Limit:       extractInt(filter, "limit", 100),
		Offset:      extractInt(filter, "offset", 0),
	}
	if ef.ExecutionID == "" && ef.EventType == "" {
		return mcp.NewToolResultError("event query requires either 'execution_id' or 'event_type' in filter"), nil
	}

	events, err := s.store.ListEvents(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *RelayServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.ScheduleFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		Limit:      extractInt(filter, "limit", 50),
	}
	if v, ok := filter["active"].(bool); ok {
		sf.Active = &v
	}

	scheds, err := s.store.ListSchedules(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": scheds})
}

func (s *RelayServer) querySignals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	executionID := extractString(filter, "execution_id")
	if executionID == "" {
		return mcp.NewToolResultError("signal query requires 'execution_id' in filter"), nil
	}

	sigs, err := s.store.ListSignals(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"signals": sigs})
}

// queryActivities lists the registered activity catalog. Unlike the other
// resources this reads process state, not the store, so a prefix filter
// (e.g. "payments.") is the only narrowing supported.
func (s *RelayServer) queryActivities(filter map[string]any) (*mcp.CallToolResult, error) {
	if s.activities == nil {
		return mcp.NewToolResultError("no activity registry attached"), nil
	}

	infos := s.activities.List()
	if prefix := extractString(filter, "prefix"); prefix != "" {
		kept := infos[:0]
		for _, info := range infos {
			if strings.HasPrefix(info.Name, prefix) {
				kept = append(kept, info)
			}
		}
		infos = kept
	}
	return marshalResult(map[string]any{"activities": infos})
}

// handleDiagram generates a workflow diagram in the requested format.
func (s *RelayServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	version := req.GetString("version", "")
	executionID := req.GetString("execution_id", "")

	if workflowID == "" && executionID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or execution_id is required"), nil
	}

	var (
		def    *store.Definition
		exec   *store.Execution
		events []*store.Event
	)

	if executionID != "" {
		exec, err = s.store.GetExecution(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution not found: %v", err)), nil
		}
		def, err = s.store.GetDefinition(ctx, exec.WorkflowID, exec.WorkflowVersion)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("definition lookup failed: %v", err)), nil
		}
		events, err = s.store.ListEvents(ctx, store.EventFilter{ExecutionID: executionID})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
		}
	} else {
		def, err = s.resolveDefinition(ctx, workflowID, version)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("definition lookup failed: %v", err)), nil
		}
	}

	model, buildErr := diagram.Build(&def.Document, exec, events)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
}

// --- Internal helpers ---

// resolveDefinition finds a definition by workflow ID and optional
// version string ("3" or "v3"); empty means latest.
func (s *RelayServer) resolveDefinition(ctx context.Context, workflowID, version string) (*store.Definition, error) {
	if version == "" {
		return s.store.LatestDefinition(ctx, workflowID)
	}
	n := versionNum(version)
	if n <= 0 {
		return nil, fmt.Errorf("invalid version %q", version)
	}
	return s.store.GetDefinition(ctx, workflowID, n)
}

// versionNum extracts the numeric part from a version string like "v3" or "3".
func versionNum(v string) int {
	v = strings.TrimPrefix(v, "v")
	n, _ := strconv.Atoi(v)
	return n
}

// extractString safely extracts a string from a filter map.
func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractBool safely extracts a boolean from a filter map.
func extractBool(filter map[string]any, key string) bool {
	if filter == nil {
		return false
	}
	v, _ := filter[key].(bool)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the execution ID to the caller's MCP session so
// terminal events can be pushed back to whoever started or signalled it.
func (s *RelayServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
