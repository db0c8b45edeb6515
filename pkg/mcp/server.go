package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/relay/internal/activity"
	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/signals"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/streaming"
	"github.com/rendis/relay/internal/validation"
)

// RelayServerDeps holds the dependencies for creating a RelayServer.
// Store and Router are required; Engine enables replay and definition
// resolution, Validator gates relay.define, Hub feeds notifications,
// Activities backs the activity catalog query.
type RelayServerDeps struct {
	Store      store.Store
	Engine     *engine.Engine
	Router     *signals.Router
	Validator  *validation.WorkflowValidator
	Hub        streaming.EventHub
	Activities *activity.Registry
	Logger     *slog.Logger
}

// RelayServer wraps an MCP server with workflow tool handlers.
type RelayServer struct {
	store      store.Store
	engine     *engine.Engine
	router     *signals.Router
	validator  *validation.WorkflowValidator
	hub        streaming.EventHub
	activities *activity.Registry
	logger     *slog.Logger
	sessions   *SessionRegistry
	mcpServer  *server.MCPServer
}

// NewRelayServer creates a RelayServer with all tools registered.
func NewRelayServer(deps RelayServerDeps) *RelayServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RelayServer{
		store:      deps.Store,
		engine:     deps.Engine,
		router:     deps.Router,
		validator:  deps.Validator,
		hub:        deps.Hub,
		activities: deps.Activities,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"relay",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Relay is a durable workflow orchestration engine. Use relay.trigger to start executions, relay.status to inspect them, relay.signal to resume waiting executions, relay.cancel and relay.replay to manage their lifecycle, relay.define to publish workflow definitions, relay.query to list executions/definitions/events/schedules/activities, and relay.diagram for a visual of a workflow graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RelayServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RelayServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *RelayServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: replayTool(), Handler: s.handleReplay},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("relay.trigger",
		mcp.WithDescription("Start an execution of a published workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithString("version", mcp.Description("Definition version (default: latest)")),
		mcp.WithObject("payload", mcp.Description("Trigger payload passed to the execution")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("relay.status",
		mcp.WithDescription("Get the current state of an execution, including its most recent events"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("relay.signal",
		mcp.WithDescription("Deliver a signal to an execution; resumes it when it is waiting for that signal type"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
		mcp.WithString("signal_type", mcp.Required(), mcp.Description("Type of signal to deliver (must match the type the execution awaits)")),
		mcp.WithObject("payload", mcp.Description("Signal payload handed to the resumed node")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("relay.cancel",
		mcp.WithDescription("Request cancellation of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Description("Reason recorded in the event log")),
	)
}

func replayTool() mcp.Tool {
	return mcp.NewTool("relay.replay",
		mcp.WithDescription("Fork a failed execution into a fresh one resuming at a node, seeded with its recorded checkpoint state"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the failed execution")),
		mcp.WithString("from_node_id", mcp.Description("Node to resume at (default: the node the execution failed on)")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("relay.define",
		mcp.WithDescription("Validate and publish a workflow definition; republishing an unchanged graph is a no-op, a changed one gets the next version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (workflow_id, graph, optional trigger)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("relay.query",
		mcp.WithDescription("Query executions, definitions, events, schedules, signals, or the activity catalog"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "definitions", "events", "schedules", "signals", "activities"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, execution_id, status, node_id, event_type, since_seq, active, prefix, limit, offset)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("relay.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to diagram (latest version unless version is set)")),
		mcp.WithString("version", mcp.Description("Definition version (default: latest)")),
		mcp.WithString("execution_id", mcp.Description("Execution to diagram; overlays per-node runtime status")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
