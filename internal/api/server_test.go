package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/signals"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/streaming"
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/pkg/schema"
)

// passInvoker completes every node on the first attempt.
type passInvoker struct{}

func (passInvoker) Invoke(_ context.Context, _ engine.InvokeInput) *schema.Outcome {
	return schema.Succeed(json.RawMessage(`{"ok":true}`))
}

type testEnv struct {
	store  store.Store
	engine *engine.Engine
	hub    *streaming.MemoryHub
	srv    *Server
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, passInvoker{})
}

func newTestEnvWith(t *testing.T, invoker engine.Invoker) *testEnv {
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
	hub := streaming.NewMemoryHub()

	return &testEnv{
		store:  st,
		engine: eng,
		hub:    hub,
		srv: NewServer(Deps{
			Store:     st,
			Engine:    eng,
			Router:    signals.NewRouter(st),
			Validator: validator,
			Hub:       hub,
		}),
	}
}

// do runs one request through the full middleware chain.
func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out),
		"body: %s", rec.Body.String())
}

func paymentPipeline(workflowID string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		WorkflowID: workflowID,
		Name:       "Payment Pipeline",
		Graph: schema.Graph{
			Nodes: []schema.Node{
				{ID: "reserve", Type: "reserve"},
				{ID: "charge", Type: "charge"},
				{ID: "confirm", Type: "confirm"},
			},
			Edges: []schema.Edge{
				{From: "reserve", To: "charge"},
				{From: "charge", To: "confirm"},
			},
		},
	}
}

func (env *testEnv) publish(t *testing.T, def *schema.WorkflowDefinition) *store.Definition {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/definitions", def)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var resp struct {
		Definition *store.Definition `json:"definition"`
	}
	decode(t, rec, &resp)
	require.NotNil(t, resp.Definition)
	return resp.Definition
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp["status"])
}

func TestPublishDefinition(t *testing.T) {
	env := newTestEnv(t)

	def := env.publish(t, paymentPipeline("payments"))
	assert.Equal(t, "payments", def.WorkflowID)
	assert.Equal(t, 1, def.Version)
	assert.True(t, def.Active)

	// Identical republish is a no-op and returns the existing version.
	again := env.publish(t, paymentPipeline("payments"))
	assert.Equal(t, 1, again.Version)

	// A changed graph gets the next version.
	changed := paymentPipeline("payments")
	changed.Graph.Nodes = append(changed.Graph.Nodes, schema.Node{ID: "notify", Type: "notify"})
	changed.Graph.Edges = append(changed.Graph.Edges, schema.Edge{From: "confirm", To: "notify"})
	v2 := env.publish(t, changed)
	assert.Equal(t, 2, v2.Version)
}

func TestPublishRejectsInvalidDefinition(t *testing.T) {
	env := newTestEnv(t)

	cyclic := &schema.WorkflowDefinition{
		WorkflowID: "loop",
		Graph: schema.Graph{
			Nodes: []schema.Node{
				{ID: "a", Type: "a"},
				{ID: "b", Type: "b"},
			},
			Edges: []schema.Edge{
				{From: "a", To: "b"},
				{From: "b", To: "a"},
			},
		},
	}

	rec := env.do(t, http.MethodPost, "/api/v1/definitions", cyclic)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Valid  bool                     `json:"valid"`
		Errors []schema.ValidationIssue `json:"errors"`
	}
	decode(t, rec, &resp)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Errors)
}

func TestGetDefinitionByVersion(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))

	changed := paymentPipeline("payments")
	changed.Name = "Payment Pipeline v2"
	changed.Graph.Nodes = append(changed.Graph.Nodes, schema.Node{ID: "audit", Type: "audit"})
	changed.Graph.Edges = append(changed.Graph.Edges, schema.Edge{From: "confirm", To: "audit"})
	env.publish(t, changed)

	rec := env.do(t, http.MethodGet, "/api/v1/definitions/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var latest store.Definition
	decode(t, rec, &latest)
	assert.Equal(t, 2, latest.Version)

	rec = env.do(t, http.MethodGet, "/api/v1/definitions/payments?version=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v1 store.Definition
	decode(t, rec, &v1)
	assert.Equal(t, 1, v1.Version)
	assert.Len(t, v1.Document.Graph.Nodes, 3)

	rec = env.do(t, http.MethodGet, "/api/v1/definitions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDefinitions(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))
	env.publish(t, paymentPipeline("refunds"))

	rec := env.do(t, http.MethodGet, "/api/v1/definitions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Definitions []*store.Definition `json:"definitions"`
		Count       int                 `json:"count"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, 2, resp.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/definitions?workflow_id=payments", nil)
	decode(t, rec, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "payments", resp.Definitions[0].WorkflowID)
}

func TestSetWorkflowActive(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))

	rec := env.do(t, http.MethodPut, "/api/v1/definitions/payments/active",
		map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/definitions/payments", nil)
	var def store.Definition
	decode(t, rec, &def)
	assert.False(t, def.Active)
}

func TestDefinitionDiagram(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, paymentPipeline("payments"))

	rec := env.do(t, http.MethodGet, "/api/v1/definitions/payments/diagram", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "graph TD")
	assert.Contains(t, body, "reserve")
	assert.Contains(t, body, "charge --> confirm")

	rec = env.do(t, http.MethodGet, "/api/v1/definitions/payments/diagram?format=ascii", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "┌")

	rec = env.do(t, http.MethodGet, "/api/v1/definitions/payments/diagram?format=dot", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
