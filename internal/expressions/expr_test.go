package expressions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/pkg/schema"
)

func exprScopeData() map[string]any {
	return map[string]any{
		"state": map[string]any{
			"items": []any{
				map[string]any{"sku": "tea", "qty": float64(2), "price": float64(4.5)},
				map[string]any{"sku": "mug", "qty": float64(1), "price": float64(12)},
				map[string]any{"sku": "jar", "qty": float64(6), "price": float64(2)},
			},
			"customer": map[string]any{"tier": "gold"},
		},
		"trigger": map[string]any{"source": "schedule"},
		"node":    map[string]any{"retry_count": 1},
		"env":     map[string]any{"REGION": "eu-west-1"},
	}
}

func TestExprName(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExprScriptLogic(t *testing.T) {
	e := NewExprEngine()
	data := exprScopeData()

	cases := []struct {
		name string
		expr string
		want any
	}{
		{"count", `len(state.items)`, 3},
		{"filter and count", `len(filter(state.items, #.qty > 1))`, 2},
		{"map and sum", `sum(map(state.items, #.qty * #.price))`, float64(33)},
		{"string concat", `state.customer.tier + "-" + env.REGION`, "gold-eu-west-1"},
		{"ternary", `state.customer.tier == "gold" ? 0.1 : 0.0`, 0.1},
		{"any", `any(state.items, #.sku == "mug")`, true},
		{"all", `all(state.items, #.qty > 0)`, true},
		{"node counter", `node.retry_count < 3`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tc.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestExprLetBinding(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(),
		`let subtotal = sum(map(state.items, #.qty * #.price)); subtotal > 30 ? "bulk" : "retail"`,
		exprScopeData())
	require.NoError(t, err)
	assert.Equal(t, "bulk", out)
}

func TestExprNilCoalescing(t *testing.T) {
	e := NewExprEngine()

	cases := []struct {
		name string
		expr string
		data map[string]any
		want any
	}{
		{"missing map key", `state.discount ?? 0.0`, exprScopeData(), 0.0},
		{"undefined namespace", `signal ?? "no signal"`, map[string]any{}, "no signal"},
		{"optional chaining", `state.customer?.address?.city ?? "unknown"`, exprScopeData(), "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tc.expr, tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestExprRejectsBadSource(t *testing.T) {
	e := NewExprEngine()

	for _, src := range []string{"", `state.total +`} {
		_, err := e.Evaluate(context.Background(), src, nil)
		relErr := asRelayError(t, err)
		assert.Equal(t, schema.ErrCodeValidation, relErr.Code, "source %q", src)
	}
}

func TestExprRuntimeErrorIsExecutionCode(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `int(state.total)`, map[string]any{
		"state": map[string]any{"total": "not-a-number"},
	})
	relErr := asRelayError(t, err)
	assert.Equal(t, schema.ErrCodeExecution, relErr.Code)
	assert.Contains(t, relErr.Details, "expression")
}

func TestExprCacheSharedAcrossScopes(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `len(state.items)`, exprScopeData())
	require.NoError(t, err)

	// The compiled program is keyed by source alone and reruns against a
	// differently shaped scope without recompiling.
	out, err := e.Evaluate(context.Background(), `len(state.items)`, map[string]any{
		"state": map[string]any{"items": []any{"only"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out)
	assert.Equal(t, 1, e.programs.size())
}

func TestExprConcurrentEvaluate(t *testing.T) {
	e := NewExprEngine()

	const workers = 64
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `node.retry_count * 2`, map[string]any{
				"node": map[string]any{"retry_count": n},
			})
			if err == nil && out != n*2 {
				err = fmt.Errorf("worker %d: got %v, want %d", n, out, n*2)
			}
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	for err := range results {
		assert.NoError(t, err)
	}
}
