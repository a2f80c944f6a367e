package expression

import (
	"testing"
	"time"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	ev := NewEvaluator(0)
	vars := map[string]any{
		"result": "approved",
		"amount": float64(1500),
		"order":  map[string]any{"region": "EU", "items": []any{"a", "b"}},
		"my-key": "dash",
	}
	for scenario, fn := range map[string]func(t *testing.T){
		"string equality": func(t *testing.T) {
			ok, err := ev.Evaluate(`result == "approved"`, vars)
			require.NoError(t, err)
			require.True(t, ok)
		},
		"numeric comparison": func(t *testing.T) {
			ok, err := ev.Evaluate("amount > 1000 && amount <= 2000", vars)
			require.NoError(t, err)
			require.True(t, ok)
		},
		"nested access": func(t *testing.T) {
			ok, err := ev.Evaluate(`order.region === "EU" && order.items.length == 2`, vars)
			require.NoError(t, err)
			require.True(t, ok)
		},
		"dollar object": func(t *testing.T) {
			ok, err := ev.Evaluate(`$["my-key"] == "dash"`, vars)
			require.NoError(t, err)
			require.True(t, ok)
		},
		"undefined variable fails closed": func(t *testing.T) {
			ok, err := ev.Evaluate(`missing == 1`, vars)
			require.Error(t, err)
			require.False(t, ok)
		},
		"throwing expression fails closed": func(t *testing.T) {
			ok, err := ev.Evaluate(`order.nothing.deeper == 1`, vars)
			require.Error(t, err)
			require.False(t, ok)
		},
		"syntax error": func(t *testing.T) {
			_, err := ev.Evaluate(`result ==`, vars)
			require.Error(t, err)
		},
		"statements are rejected": func(t *testing.T) {
			_, err := Compile(`var x = 1; x`)
			require.Error(t, err)
		},
		"mutation does not leak": func(t *testing.T) {
			ok, err := ev.Evaluate(`(result = "rejected") && (order.region = "US") && true`, vars)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "approved", vars["result"])
			require.Equal(t, "EU", vars["order"].(map[string]any)["region"])
		},
		"reserved word keys": func(t *testing.T) {
			withCase := map[string]any{
				"case":    map[string]any{"id": "C-1"},
				"default": float64(1),
				"result":  "approved",
			}
			ok, err := ev.Evaluate(`$.case.id == "C-1" && $["default"] == 1 && result == "approved"`, withCase)
			require.NoError(t, err)
			require.True(t, ok)
		},
		"nil variables": func(t *testing.T) {
			ok, err := ev.Evaluate(`true`, nil)
			require.NoError(t, err)
			require.True(t, ok)
		},
	} {
		t.Run(scenario, fn)
	}
}

func TestEvaluateTimeout(t *testing.T) {
	ev := NewEvaluator(20 * time.Millisecond)
	start := time.Now()
	ok, err := ev.Evaluate(`(function(){ while(true){} })()`, nil)
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, ok)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSelectEdge(t *testing.T) {
	ev := NewEvaluator(0)
	edges := []model.WorkflowEdge{
		{Id: "e1", Source: "d", Target: "a", Condition: `result == "approved"`},
		{Id: "e2", Source: "d", Target: "b", Condition: `amount > 10`},
		{Id: "e3", Source: "d", Target: "c"},
	}
	for scenario, fn := range map[string]func(t *testing.T){
		"first match in definition order": func(t *testing.T) {
			sel, err := ev.SelectEdge("d", edges, map[string]any{"result": "approved", "amount": float64(50)})
			require.NoError(t, err)
			require.Equal(t, "e1", sel.Edge.Id)
			require.False(t, sel.Default)
			require.Empty(t, sel.Warnings)
		},
		"later match": func(t *testing.T) {
			sel, err := ev.SelectEdge("d", edges, map[string]any{"result": "rejected", "amount": float64(50)})
			require.NoError(t, err)
			require.Equal(t, "e2", sel.Edge.Id)
		},
		"default when nothing matches": func(t *testing.T) {
			sel, err := ev.SelectEdge("d", edges, map[string]any{"result": "rejected", "amount": float64(1)})
			require.NoError(t, err)
			require.Equal(t, "e3", sel.Edge.Id)
			require.True(t, sel.Default)
		},
		"undefined variables warn and fall to default": func(t *testing.T) {
			sel, err := ev.SelectEdge("d", edges, map[string]any{})
			require.NoError(t, err)
			require.Equal(t, "e3", sel.Edge.Id)
			require.Len(t, sel.Warnings, 2)
			require.Equal(t, "e1", sel.Warnings[0].EdgeId)
		},
		"reserved word variables do not break conditions": func(t *testing.T) {
			sel, err := ev.SelectEdge("d", edges, map[string]any{
				"case":   map[string]any{"id": "C-1"},
				"new":    true,
				"result": "approved",
			})
			require.NoError(t, err)
			require.Equal(t, "e1", sel.Edge.Id)
			require.Empty(t, sel.Warnings)
		},
		"branching error without default": func(t *testing.T) {
			_, err := ev.SelectEdge("d", edges[:2], map[string]any{"result": "x", "amount": float64(0)})
			var be api.BranchingError
			require.ErrorAs(t, err, &be)
			require.Equal(t, "d", be.NodeId)
		},
	} {
		t.Run(scenario, fn)
	}
}
