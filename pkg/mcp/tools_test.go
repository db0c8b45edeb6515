package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/activity"
	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/signals"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/streaming"
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/pkg/schema"
)

// --- Invokers ---

// passInvoker completes every node on the first attempt.
type passInvoker struct{}

func (passInvoker) Invoke(_ context.Context, _ engine.InvokeInput) *schema.Outcome {
	return schema.Succeed(json.RawMessage(`{"ok":true}`))
}

// chargeFailInvoker fails the charge node fatally once, then passes.
type chargeFailInvoker struct {
	mu     sync.Mutex
	failed bool
}

func (inv *chargeFailInvoker) Invoke(_ context.Context, in engine.InvokeInput) *schema.Outcome {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if in.Node.ID == "charge" && !inv.failed {
		inv.failed = true
		return schema.FatalFailure("card declined")
	}
	return schema.Succeed(json.RawMessage(`{"ok":true}`))
}

// --- Test env ---

type mcpEnv struct {
	store  store.Store
	engine *engine.Engine
	srv    *RelayServer
}

func newEnv(t *testing.T) *mcpEnv {
	return newEnvWith(t, passInvoker{})
}

func newEnvWith(t *testing.T, invoker engine.Invoker) *mcpEnv {
	t.Helper()

	st, err := store.NewLibsqlStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	validator, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)

	eng := engine.New(st, invoker, engine.Config{
		Retry: engine.RetryPolicy{
			MaxRetries:        2,
			BaseDelay:         20 * time.Millisecond,
			BackoffMultiplier: 2.0,
			MaxDelayCap:       time.Second,
		},
		LeaseDuration:     30 * time.Second,
		PerTickTimeBudget: 5 * time.Second,
		NodeTimeout:       5 * time.Second,
	})

	return &mcpEnv{
		store:  st,
		engine: eng,
		srv: NewRelayServer(RelayServerDeps{
			Store:     st,
			Engine:    eng,
			Router:    signals.NewRouter(st),
			Validator: validator,
			Hub:       streaming.NewMemoryHub(),
		}),
	}
}

// driveAll claims and runs executions until nothing is claimable.
func (env *mcpEnv) driveAll(t *testing.T) {
	t.Helper()
	for {
		claimed, err := env.store.Claim(context.Background(), "mcp-worker", 30*time.Second)
		require.NoError(t, err)
		if claimed == nil {
			return
		}
		require.NoError(t, env.engine.RunClaimed(context.Background(), claimed, "mcp-worker"))
	}
}

// checkoutWorkflow is a three-node linear pipeline used across tests.
func checkoutWorkflow(workflowID string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: workflowID,
		Name:       "Checkout",
		Graph: schema.Graph{
			Nodes: []schema.Node{
				{ID: "validate", Type: "validate"},
				{ID: "charge", Type: "charge"},
				{ID: "receipt", Type: "receipt"},
			},
			Edges: []schema.Edge{
				{From: "validate", To: "charge"},
				{From: "charge", To: "receipt"},
			},
		},
	}
}

func (env *mcpEnv) publish(t *testing.T, def *schema.WorkflowDefinition) *store.Definition {
	t.Helper()
	published, err := env.store.PublishDefinition(context.Background(), &store.Definition{Document: *def})
	require.NoError(t, err)
	return published
}

// trigger starts an execution through the tool and returns it.
func (env *mcpEnv) trigger(t *testing.T, args map[string]any) *store.Execution {
	t.Helper()
	result, err := env.srv.handleTrigger(context.Background(), buildRequest("relay.trigger", args))
	require.NoError(t, err)
	require.False(t, result.IsError, "trigger failed: %s", extractText(t, result))

	var exec store.Execution
	unmarshalResult(t, result, &exec)
	require.NotEmpty(t, exec.ID)
	return &exec
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestTriggerTool(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))

	exec := env.trigger(t, map[string]any{
		"workflow_id": "checkout",
		"payload":     map[string]any{"order_id": "ord-9"},
	})

	assert.Equal(t, "checkout", exec.WorkflowID)
	assert.Equal(t, 1, exec.WorkflowVersion)
	assert.Equal(t, schema.ExecutionPending, exec.Status)
	assert.JSONEq(t, `{"order_id":"ord-9"}`, string(exec.TriggerPayload))
}

func TestTriggerToolPinnedVersion(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))

	changed := checkoutWorkflow("checkout")
	changed.Graph.Nodes = append(changed.Graph.Nodes, schema.Node{ID: "notify", Type: "notify"})
	changed.Graph.Edges = append(changed.Graph.Edges, schema.Edge{From: "receipt", To: "notify"})
	env.publish(t, changed)

	// Unpinned picks the latest version.
	latest := env.trigger(t, map[string]any{"workflow_id": "checkout"})
	assert.Equal(t, 2, latest.WorkflowVersion)

	pinned := env.trigger(t, map[string]any{"workflow_id": "checkout", "version": "v1"})
	assert.Equal(t, 1, pinned.WorkflowVersion)
}

func TestTriggerToolRejections(t *testing.T) {
	env := newEnv(t)

	// Missing workflow_id.
	result, err := env.srv.handleTrigger(context.Background(), buildRequest("relay.trigger", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Unknown workflow.
	result, err = env.srv.handleTrigger(context.Background(), buildRequest("relay.trigger", map[string]any{
		"workflow_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Deactivated workflow.
	env.publish(t, checkoutWorkflow("checkout"))
	require.NoError(t, env.store.SetWorkflowActive(context.Background(), "checkout", false))

	result, err = env.srv.handleTrigger(context.Background(), buildRequest("relay.trigger", map[string]any{
		"workflow_id": "checkout",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "deactivated")
}

func TestStatusTool(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))
	exec := env.trigger(t, map[string]any{"workflow_id": "checkout"})
	env.driveAll(t)

	result, err := env.srv.handleStatus(context.Background(), buildRequest("relay.status", map[string]any{
		"execution_id": exec.ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var status struct {
		Execution    *store.Execution `json:"execution"`
		RecentEvents []*store.Event   `json:"recent_events"`
	}
	unmarshalResult(t, result, &status)
	require.NotNil(t, status.Execution)
	assert.Equal(t, exec.ID, status.Execution.ID)
	assert.Equal(t, schema.ExecutionCompleted, status.Execution.Status)

	require.NotEmpty(t, status.RecentEvents)
	last := status.RecentEvents[len(status.RecentEvents)-1]
	assert.Equal(t, schema.EventExecutionCompleted, last.Type)
}

func TestStatusToolMissingID(t *testing.T) {
	env := newEnv(t)

	result, err := env.srv.handleStatus(context.Background(), buildRequest("relay.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.srv.handleStatus(context.Background(), buildRequest("relay.status", map[string]any{
		"execution_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSignalTool(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))
	exec := env.trigger(t, map[string]any{"workflow_id": "checkout"})

	result, err := env.srv.handleSignal(context.Background(), buildRequest("relay.signal", map[string]any{
		"execution_id": exec.ID,
		"signal_type":  "approval",
		"payload":      map[string]any{"approved": true},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// Not waiting for a signal, so it parks in the mailbox.
	text := extractText(t, result)
	assert.Contains(t, text, `"routed":false`)
	assert.Contains(t, text, exec.ID)
}

func TestSignalToolMissingParams(t *testing.T) {
	env := newEnv(t)

	result, err := env.srv.handleSignal(context.Background(), buildRequest("relay.signal", map[string]any{
		"signal_type": "approval",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.srv.handleSignal(context.Background(), buildRequest("relay.signal", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))
	exec := env.trigger(t, map[string]any{"workflow_id": "checkout"})

	result, err := env.srv.handleCancel(context.Background(), buildRequest("relay.cancel", map[string]any{
		"execution_id": exec.ID,
		"reason":       "operator request",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var cancelled store.Execution
	unmarshalResult(t, result, &cancelled)
	assert.Equal(t, schema.ExecutionCancelled, cancelled.Status)
	assert.Equal(t, "operator request", cancelled.CancelReason)
}

func TestCancelToolUnknownExecution(t *testing.T) {
	env := newEnv(t)

	result, err := env.srv.handleCancel(context.Background(), buildRequest("relay.cancel", map[string]any{
		"execution_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestReplayTool(t *testing.T) {
	env := newEnvWith(t, &chargeFailInvoker{})
	env.publish(t, checkoutWorkflow("checkout"))
	exec := env.trigger(t, map[string]any{"workflow_id": "checkout"})
	env.driveAll(t)

	failed, err := env.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionFailed, failed.Status)

	result, err := env.srv.handleReplay(context.Background(), buildRequest("relay.replay", map[string]any{
		"execution_id": exec.ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "replay failed: %s", extractText(t, result))

	var replayed store.Execution
	unmarshalResult(t, result, &replayed)
	assert.Equal(t, exec.ID, replayed.ReplayOf)
	assert.Equal(t, "charge", replayed.CurrentNodeID)
	assert.Equal(t, schema.ExecutionPending, replayed.Status)

	// The invoker only fails charge once, so the fork completes.
	env.driveAll(t)
	done, err := env.store.GetExecution(context.Background(), replayed.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, done.Status)
}

func TestReplayToolRejections(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))
	exec := env.trigger(t, map[string]any{"workflow_id": "checkout"})

	// Only failed executions can be replayed.
	result, err := env.srv.handleReplay(context.Background(), buildRequest("relay.replay", map[string]any{
		"execution_id": exec.ID,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// No engine wired at all.
	bare := NewRelayServer(RelayServerDeps{Store: env.store, Router: signals.NewRouter(env.store)})
	result, err = bare.handleReplay(context.Background(), buildRequest("relay.replay", map[string]any{
		"execution_id": exec.ID,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not available")
}

func TestDefineTool(t *testing.T) {
	env := newEnv(t)

	definition := map[string]any{
		"workflow_id": "provision",
		"name":        "Provision Tenant",
		"graph": map[string]any{
			"nodes": []any{
				map[string]any{"id": "create", "type": "create"},
				map[string]any{"id": "seed", "type": "seed"},
			},
			"edges": []any{
				map[string]any{"from": "create", "to": "seed"},
			},
		},
	}

	result, err := env.srv.handleDefine(context.Background(), buildRequest("relay.define", map[string]any{
		"definition": definition,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "define failed: %s", extractText(t, result))

	text := extractText(t, result)
	assert.Contains(t, text, "provision")
	assert.Contains(t, text, `"version":1`)

	// Republishing the identical graph keeps version 1.
	result, err = env.srv.handleDefine(context.Background(), buildRequest("relay.define", map[string]any{
		"definition": definition,
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), `"version":1`)
}

func TestDefineToolInvalidDefinition(t *testing.T) {
	env := newEnv(t)

	// a → b → a is a cycle; the verdict comes back as structured
	// errors rather than a protocol-level failure.
	result, err := env.srv.handleDefine(context.Background(), buildRequest("relay.define", map[string]any{
		"definition": map[string]any{
			"workflow_id": "loop",
			"graph": map[string]any{
				"nodes": []any{
					map[string]any{"id": "a", "type": "a"},
					map[string]any{"id": "b", "type": "b"},
				},
				"edges": []any{
					map[string]any{"from": "a", "to": "b"},
					map[string]any{"from": "b", "to": "a"},
				},
			},
		},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var verdict struct {
		Valid  bool                     `json:"valid"`
		Errors []schema.ValidationIssue `json:"errors"`
	}
	unmarshalResult(t, result, &verdict)
	assert.False(t, verdict.Valid)
	assert.NotEmpty(t, verdict.Errors)
}

func TestDefineToolMissingDefinition(t *testing.T) {
	env := newEnv(t)

	result, err := env.srv.handleDefine(context.Background(), buildRequest("relay.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryExecutions(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))
	env.publish(t, checkoutWorkflow("refunds"))

	env.trigger(t, map[string]any{"workflow_id": "checkout"})
	env.trigger(t, map[string]any{"workflow_id": "checkout"})
	env.trigger(t, map[string]any{"workflow_id": "refunds"})

	result, err := env.srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "executions",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Executions []*store.Execution `json:"executions"`
	}
	unmarshalResult(t, result, &resp)
	assert.Len(t, resp.Executions, 3)

	result, err = env.srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": "checkout"},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &resp)
	assert.Len(t, resp.Executions, 2)

	// Bad status values are rejected, not silently ignored.
	result, err = env.srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"status": "bogus"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryDefinitions(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))

	changed := checkoutWorkflow("checkout")
	changed.Name = "Checkout v2"
	env.publish(t, changed)

	result, err := env.srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "definitions",
		"filter":   map[string]any{"workflow_id": "checkout"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Definitions []*store.Definition `json:"definitions"`
	}
	unmarshalResult(t, result, &resp)
	assert.Len(t, resp.Definitions, 2)

	result, err = env.srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "definitions",
		"filter":   map[string]any{"workflow_id": "checkout", "latest_only": true},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &resp)
	require.Len(t, resp.Definitions, 1)
	assert.Equal(t, 2, resp.Definitions[0].Version)
}

func TestQueryEvents(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))
	exec := env.trigger(t, map[string]any{"workflow_id": "checkout"})
	env.driveAll(t)

	result, err := env.srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": exec.ID},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &resp)
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, schema.EventExecutionCreated, resp.Events[0].Type)

	// An unbounded event query is refused.
	result, err = env.srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQuerySignals(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))
	exec := env.trigger(t, map[string]any{"workflow_id": "checkout"})

	_, err := env.srv.handleSignal(context.Background(), buildRequest("relay.signal", map[string]any{
		"execution_id": exec.ID,
		"signal_type":  "approval",
	}))
	require.NoError(t, err)

	result, err := env.srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "signals",
		"filter":   map[string]any{"execution_id": exec.ID},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Signals []*store.Signal `json:"signals"`
	}
	unmarshalResult(t, result, &resp)
	require.Len(t, resp.Signals, 1)
	assert.Equal(t, "approval", resp.Signals[0].Type)

	// execution_id is mandatory for signal queries.
	result, err = env.srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "signals",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryActivities(t *testing.T) {
	reg := activity.NewRegistry()
	require.NoError(t, activity.RegisterBuiltins(reg, activity.HTTPConfig{}))
	srv := NewRelayServer(RelayServerDeps{Activities: reg})

	result, err := srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "activities",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var resp struct {
		Activities []activity.Info `json:"activities"`
	}
	unmarshalResult(t, result, &resp)
	names := make([]string, 0, len(resp.Activities))
	for _, info := range resp.Activities {
		names = append(names, info.Name)
	}
	assert.Contains(t, names, "http")
	assert.True(t, sort.StringsAreSorted(names), "catalog is sorted: %v", names)

	// Prefix narrows the catalog.
	result, err = srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "activities",
		"filter":   map[string]any{"prefix": "h"},
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &resp)
	for _, info := range resp.Activities {
		assert.True(t, strings.HasPrefix(info.Name, "h"), info.Name)
	}

	// Servers without a registry report it rather than panicking.
	bare := NewRelayServer(RelayServerDeps{})
	result, err = bare.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "activities",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	env := newEnv(t)

	result, err := env.srv.handleQuery(context.Background(), buildRequest("relay.query", map[string]any{
		"resource": "invalid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))

	result, err := env.srv.handleDiagram(context.Background(), buildRequest("relay.diagram", map[string]any{
		"workflow_id": "checkout",
		"format":      "mermaid",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "validate")

	result, err = env.srv.handleDiagram(context.Background(), buildRequest("relay.diagram", map[string]any{
		"workflow_id": "checkout",
		"format":      "ascii",
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), "┌")
}

func TestDiagramToolRejections(t *testing.T) {
	env := newEnv(t)
	env.publish(t, checkoutWorkflow("checkout"))

	// Neither workflow_id nor execution_id.
	result, err := env.srv.handleDiagram(context.Background(), buildRequest("relay.diagram", map[string]any{
		"format": "mermaid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Unsupported format.
	result, err = env.srv.handleDiagram(context.Background(), buildRequest("relay.diagram", map[string]any{
		"workflow_id": "checkout",
		"format":      "dot",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestVersionNum(t *testing.T) {
	assert.Equal(t, 1, versionNum("v1"))
	assert.Equal(t, 42, versionNum("v42"))
	assert.Equal(t, 0, versionNum("invalid"))
	assert.Equal(t, 3, versionNum("3"))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
