package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveParams(t *testing.T) {
	data := map[string]any{
		"requester": map[string]any{"id": "u-7", "age": float64(30)},
		"amount":    float64(1200),
		"tags":      []any{"a", "b"},
	}
	params := map[string]any{
		"url":    "/users/{$.requester.id}/orders?min={$.amount}",
		"amount": "{$.amount}",
		"nested": map[string]any{"who": "{$.requester.id}", "fixed": true},
		"list":   []any{"{$.requester.age}", "literal"},
		"tags":   "{$.tags}",
		"gone":   "{$.missing}",
		"plain":  "no tokens",
	}
	out := ResolveParams(data, params)
	require.Equal(t, "/users/u-7/orders?min=1200", out["url"])
	require.Equal(t, float64(1200), out["amount"])
	require.Equal(t, map[string]any{"who": "u-7", "fixed": true}, out["nested"])
	require.Equal(t, []any{float64(30), "literal"}, out["list"])
	require.Equal(t, []any{"a", "b"}, out["tags"])
	require.Nil(t, out["gone"])
	require.Equal(t, "no tokens", out["plain"])
}

func TestLookup(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": "c"}}
	v, err := Lookup(data, "a.b")
	require.NoError(t, err)
	require.Equal(t, "c", v)

	v, err = Lookup(data, "$.a.b")
	require.NoError(t, err)
	require.Equal(t, "c", v)

	_, err = Lookup(data, "$.x.y")
	require.Error(t, err)
}

func TestCloneMap(t *testing.T) {
	in := map[string]any{"a": map[string]any{"b": float64(1)}}
	out := CloneMap(in)
	out["a"].(map[string]any)["b"] = float64(2)
	require.Equal(t, float64(1), in["a"].(map[string]any)["b"])
	require.Equal(t, map[string]any{}, CloneMap(nil))
}
