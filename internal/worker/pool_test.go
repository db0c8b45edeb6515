package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/pkg/schema"
)

// countingInvoker succeeds every node, counting invocations per node,
// and optionally panics on the first invocation of one node.
type countingInvoker struct {
	mu        sync.Mutex
	calls     map[string]int
	panicOnce string
	panicked  bool
}

func newCountingInvoker() *countingInvoker {
	return &countingInvoker{calls: make(map[string]int)}
}

func (ci *countingInvoker) Invoke(_ context.Context, in engine.InvokeInput) *schema.Outcome {
	ci.mu.Lock()
	ci.calls[in.Node.ID]++
	mustPanic := in.Node.ID == ci.panicOnce && !ci.panicked
	if mustPanic {
		ci.panicked = true
	}
	ci.mu.Unlock()
	if mustPanic {
		panic("invoker exploded")
	}
	return schema.Succeed(json.RawMessage(fmt.Sprintf(`{"%s":true}`, in.Node.ID)))
}

func (ci *countingInvoker) count(nodeID string) int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.calls[nodeID]
}

func newPoolFixture(t *testing.T, inv engine.Invoker, cfg Config) (store.Store, *Pool) {
	t.Helper()
	s, err := store.NewLibsqlStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	eng := engine.New(s, inv, engine.Config{})
	pool := New(s, eng, cfg)
	return s, pool
}

func publishTwoStep(t *testing.T, s store.Store, workflowID string) *store.Definition {
	t.Helper()
	def, err := s.PublishDefinition(context.Background(), &store.Definition{
		Document: schema.WorkflowDefinition{
			WorkflowID: workflowID,
			Graph: schema.Graph{
				Nodes: []schema.Node{
					{ID: "first", Type: "first"},
					{ID: "second", Type: "second"},
				},
				Edges: []schema.Edge{{From: "first", To: "second"}},
			},
		},
	})
	require.NoError(t, err)
	return def
}

func TestPoolProcessesBacklog(t *testing.T) {
	inv := newCountingInvoker()
	s, pool := newPoolFixture(t, inv, Config{PoolSize: 4, PollInterval: 20 * time.Millisecond})
	def := publishTwoStep(t, s, "wf-backlog")

	const backlog = 10
	ids := make([]string, 0, backlog)
	for i := 0; i < backlog; i++ {
		exec := &store.Execution{WorkflowID: def.WorkflowID, WorkflowVersion: def.Version}
		require.NoError(t, s.CreateExecution(context.Background(), exec))
		ids = append(ids, exec.ID)
	}

	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	require.Eventually(t, func() bool {
		for _, id := range ids {
			exec, err := s.GetExecution(context.Background(), id)
			if err != nil || exec.Status != schema.ExecutionCompleted {
				return false
			}
		}
		return true
	}, 10*time.Second, 25*time.Millisecond, "backlog never drained")

	// Claim CAS means no execution is processed twice even with four
	// competing workers.
	assert.Equal(t, backlog, inv.count("first"))
	assert.Equal(t, backlog, inv.count("second"))

	m := pool.Metrics()
	assert.Equal(t, int64(backlog), m.Claimed)
	assert.Equal(t, int64(backlog), m.Completed)
	assert.Zero(t, m.Failed)
	assert.Zero(t, m.Panics)
}

func TestPoolRecoversFromPanic(t *testing.T) {
	inv := newCountingInvoker()
	inv.panicOnce = "first"
	s, pool := newPoolFixture(t, inv, Config{PoolSize: 1, PollInterval: 10 * time.Millisecond})
	def := publishTwoStep(t, s, "wf-panic")

	exec := &store.Execution{WorkflowID: def.WorkflowID, WorkflowVersion: def.Version}
	require.NoError(t, s.CreateExecution(context.Background(), exec))

	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	require.Eventually(t, func() bool {
		got, err := s.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == schema.ExecutionCompleted
	}, 10*time.Second, 20*time.Millisecond, "execution never completed after panic")

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(2), m.Claimed, "panicked claim plus the successful retry")
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, 2, inv.count("first"))
	assert.Equal(t, 1, inv.count("second"))
}

func TestPoolLifecycle(t *testing.T) {
	inv := newCountingInvoker()
	_, pool := newPoolFixture(t, inv, Config{PoolSize: 2, PollInterval: 10 * time.Millisecond})

	// Stop before Start is a no-op.
	require.NoError(t, pool.Stop(context.Background()))

	pool.Start(context.Background())
	pool.Start(context.Background()) // second Start is a no-op

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	m := pool.Metrics()
	assert.Zero(t, m.Active)
	assert.Zero(t, m.Claimed)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	custom := Config{PoolSize: 9}.withDefaults()
	assert.Equal(t, 9, custom.PoolSize)
	assert.Equal(t, DefaultConfig().PollInterval, custom.PollInterval)
}
