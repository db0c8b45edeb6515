package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/streaming"
	"github.com/rendis/relay/pkg/schema"
)

// driveAll claims and runs executions until nothing is claimable.
func (env *testEnv) driveAll(t *testing.T) {
	t.Helper()
	for {
		claimed, err := env.store.Claim(context.Background(), "api-worker", 30*time.Second)
		require.NoError(t, err)
		if claimed == nil {
			return
		}
		require.NoError(t, env.engine.RunClaimed(context.Background(), claimed, "api-worker"))
	}
}

func (env *testEnv) trigger(t *testing.T, workflowID string) *store.Execution {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"workflow_id": workflowID,
		"payload":     map[string]any{"order_id": "ord-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var exec store.Execution
	decode(t, rec, &exec)
	require.NotEmpty(t, exec.ID)
	return &exec
}

func TestTriggerExecution(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))

	exec := env.trigger(t, "payments")
	assert.Equal(t, "payments", exec.WorkflowID)
	assert.Equal(t, 1, exec.WorkflowVersion)
	assert.Equal(t, schema.ExecutionPending, exec.Status)

	rec := env.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.Execution
	decode(t, rec, &got)
	assert.Equal(t, exec.ID, got.ID)
}

func TestTriggerPinnedVersion(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))

	changed := paymentPipeline("payments")
	changed.Graph.Nodes = append(changed.Graph.Nodes, schema.Node{ID: "audit", Type: "audit"})
	changed.Graph.Edges = append(changed.Graph.Edges, schema.Edge{From: "confirm", To: "audit"})
	env.publish(t, changed)

	rec := env.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"workflow_id": "payments",
		"version":     1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var exec store.Execution
	decode(t, rec, &exec)
	assert.Equal(t, 1, exec.WorkflowVersion)
}

func TestTriggerRejections(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))

	rec := env.do(t, http.MethodPost, "/api/v1/executions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"workflow_id": "missing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/definitions/payments/active",
		map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"workflow_id": "payments",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListExecutions(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))
	env.publish(t, paymentPipeline("refunds"))
	env.trigger(t, "payments")
	env.trigger(t, "payments")
	env.trigger(t, "refunds")

	var resp struct {
		Executions []*store.Execution `json:"executions"`
		Count      int                `json:"count"`
	}

	rec := env.do(t, http.MethodGet, "/api/v1/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, 3, resp.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/executions?workflow_id=payments", nil)
	decode(t, rec, &resp)
	assert.Equal(t, 2, resp.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/executions?status=pending", nil)
	decode(t, rec, &resp)
	assert.Equal(t, 3, resp.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/executions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelExecution(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))
	exec := env.trigger(t, "payments")

	rec := env.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel",
		map[string]any{"reason": "operator request"})
	require.Equal(t, http.StatusOK, rec.Code)

	var got store.Execution
	decode(t, rec, &got)
	// Unleased pending rows finalize in the same call.
	assert.Equal(t, schema.ExecutionCancelled, got.Status)
	assert.Equal(t, "operator request", got.CancelReason)

	rec = env.do(t, http.MethodPost, "/api/v1/executions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))
	exec := env.trigger(t, "payments")

	rec := env.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.Execution
	decode(t, rec, &got)
	assert.Equal(t, schema.ExecutionPaused, got.Status)
	assert.True(t, got.ManualPause)

	rec = env.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &got)
	assert.False(t, got.ManualPause)

	// Resuming an execution that is not paused is a conflict.
	rec = env.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The resumed execution is claimable and runs to completion.
	env.driveAll(t)
	rec = env.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, nil)
	decode(t, rec, &got)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
}

func TestSubmitSignalParksWhenNotWaiting(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))
	exec := env.trigger(t, "payments")

	rec := env.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/signals",
		map[string]any{"type": "approval", "payload": map[string]any{"approved": true}})
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	var receipt struct {
		SignalID    string `json:"signal_id"`
		ExecutionID string `json:"execution_id"`
		Routed      bool   `json:"routed"`
	}
	decode(t, rec, &receipt)
	assert.NotEmpty(t, receipt.SignalID)
	assert.Equal(t, exec.ID, receipt.ExecutionID)
	assert.False(t, receipt.Routed)

	var list struct {
		Signals []*store.Signal `json:"signals"`
		Count   int             `json:"count"`
	}
	rec = env.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID+"/signals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "approval", list.Signals[0].Type)
	assert.False(t, list.Signals[0].Processed)
}

func TestSubmitSignalRejectsEmptyType(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))
	exec := env.trigger(t, "payments")

	rec := env.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/signals",
		map[string]any{"payload": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))
	exec := env.trigger(t, "payments")
	env.driveAll(t)

	var resp struct {
		Events  []*store.Event `json:"events"`
		Count   int            `json:"count"`
		LastSeq int64          `json:"last_seq"`
	}

	rec := env.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, schema.EventExecutionCreated, resp.Events[0].Type)
	assert.Greater(t, resp.LastSeq, int64(0))

	types := make([]string, 0, len(resp.Events))
	for _, ev := range resp.Events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventExecutionCompleted)

	// Tailing from the last sequence returns nothing new.
	rec = env.do(t, http.MethodGet,
		"/api/v1/executions/"+exec.ID+"/events?since_seq="+strconv.FormatInt(resp.LastSeq, 10), nil)
	decode(t, rec, &resp)
	assert.Equal(t, 0, resp.Count)
}

func TestExecutionDiagramWithOverlay(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))
	exec := env.trigger(t, "payments")
	env.driveAll(t)

	rec := env.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID+"/diagram", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "class reserve completed")
	assert.Contains(t, body, "class confirm completed")

	rec = env.do(t, http.MethodGet, "/api/v1/executions/missing/diagram", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// chargeFailInvoker fails the charge node once, fatally, then succeeds.
type chargeFailInvoker struct {
	mu     sync.Mutex
	failed bool
}

func (iv *chargeFailInvoker) Invoke(_ context.Context, in engine.InvokeInput) *schema.Outcome {
	if in.Node.ID == "charge" {
		iv.mu.Lock()
		first := !iv.failed
		iv.failed = true
		iv.mu.Unlock()
		if first {
			return schema.FatalFailure("card declined")
		}
	}
	return schema.Succeed(json.RawMessage(`{"ok":true}`))
}

func TestReplayFailedExecution(t *testing.T) {
	env := newTestEnvWith(t, &chargeFailInvoker{})
	env.publish(t, paymentPipeline("payments"))
	exec := env.trigger(t, "payments")
	env.driveAll(t)

	rec := env.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, nil)
	var failed store.Execution
	decode(t, rec, &failed)
	require.Equal(t, schema.ExecutionFailed, failed.Status)

	// Bare POST replays from the node the execution failed on.
	rec = env.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/replay", nil)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var replayed store.Execution
	decode(t, rec, &replayed)
	assert.Equal(t, exec.ID, replayed.ReplayOf)
	assert.Equal(t, schema.ExecutionPending, replayed.Status)
	assert.Equal(t, "charge", replayed.CurrentNodeID)

	env.driveAll(t)
	rec = env.do(t, http.MethodGet, "/api/v1/executions/"+replayed.ID, nil)
	decode(t, rec, &replayed)
	assert.Equal(t, schema.ExecutionCompleted, replayed.Status)
}

func TestReplayRejectsNonFailedExecution(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))
	exec := env.trigger(t, "payments")

	rec := env.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/replay",
		map[string]any{"from_node_id": "charge"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecutionStreamUnknownID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/executions/missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGlobalStreamDeliversEvents(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.srv.Handler().ServeHTTP(rec, req)
	}()

	// Publish until the subscriber has certainly been registered, then
	// close the stream and inspect what it wrote.
	event := streaming.StreamEvent{
		ExecutionID: "exec-1",
		NodeID:      "charge",
		EventType:   schema.EventNodeStarted,
		Sequence:    7,
		Timestamp:   time.Now().UTC(),
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, env.hub.Publish(context.Background(), event))
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "event: "+schema.EventNodeStarted)
	assert.Contains(t, body, `"execution_id":"exec-1"`)
}
