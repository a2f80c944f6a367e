package coordinator

import (
	"fmt"
	"testing"

	"github.com/mohitkumar/caseflow/model"
	"github.com/stretchr/testify/require"
)

func newInstance() *model.WorkflowInstance {
	return &model.WorkflowInstance{
		Id:       "inst",
		Status:   model.INSTANCE_RUNNING,
		Branches: []model.BranchCursor{{Id: model.ROOT_BRANCH, NodeId: "fork", Status: model.BRANCH_ACTIVE}},
	}
}

func sequential() *Coordinator {
	n := 0
	return &Coordinator{newId: func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}}
}

func edges(targets ...string) []model.WorkflowEdge {
	out := make([]model.WorkflowEdge, 0, len(targets))
	for _, t := range targets {
		out = append(out, model.WorkflowEdge{Source: "fork", Target: t})
	}
	return out
}

func TestFork(t *testing.T) {
	wi := newInstance()
	c := sequential()
	children, err := c.Fork(wi, model.ROOT_BRANCH, "fork", "join", edges("a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, children, 3)
	require.Len(t, wi.Branches, 4)
	require.Equal(t, model.BRANCH_FORKED, wi.Branch(model.ROOT_BRANCH).Status)
	for i, target := range []string{"a", "b", "c"} {
		require.Equal(t, target, children[i].NodeId)
		require.Equal(t, "join", children[i].JoinNodeId)
		require.Equal(t, model.ROOT_BRANCH, children[i].ParentId)
		require.Equal(t, model.BRANCH_ACTIVE, children[i].Status)
	}
	require.Len(t, wi.Barriers, 1)
	require.Equal(t, 3, wi.Barriers[0].Expected)

	wi.RefreshCurrentNodes()
	require.Equal(t, []string{"a", "b", "c"}, wi.CurrentNodeIds)

	_, err = c.Fork(wi, "ghost", "fork", "join", edges("a", "b"))
	require.Error(t, err)
	_, err = c.Fork(wi, model.ROOT_BRANCH, "fork", "join", edges("a"))
	require.Error(t, err)
}

func TestJoinAnyOrder(t *testing.T) {
	for _, order := range [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}} {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			wi := newInstance()
			c := sequential()
			children, err := c.Fork(wi, model.ROOT_BRANCH, "fork", "join", edges("a", "b", "c"))
			require.NoError(t, err)
			continued := 0
			for i, idx := range order {
				res, err := c.Join(wi, children[idx].Id)
				require.NoError(t, err)
				require.Equal(t, i+1, res.Arrived)
				if res.Continue {
					continued++
					require.Equal(t, i, len(order)-1)
				}
			}
			require.Equal(t, 1, continued)
			require.Len(t, wi.Branches, 1)
			require.Empty(t, wi.Barriers)
			root := wi.Branch(model.ROOT_BRANCH)
			require.Equal(t, "join", root.NodeId)
			require.Equal(t, model.BRANCH_ACTIVE, root.Status)
		})
	}
}

func TestNestedJoin(t *testing.T) {
	wi := newInstance()
	c := sequential()
	outer, err := c.Fork(wi, model.ROOT_BRANCH, "fork", "join", edges("a", "inner"))
	require.NoError(t, err)
	inner, err := c.Fork(wi, outer[1].Id, "inner", "innerJoin", edges("c1", "c2"))
	require.NoError(t, err)
	require.Len(t, wi.Barriers, 2)

	res, err := c.Join(wi, inner[0].Id)
	require.NoError(t, err)
	require.False(t, res.Continue)
	res, err = c.Join(wi, inner[1].Id)
	require.NoError(t, err)
	require.True(t, res.Continue)
	require.Equal(t, outer[1].Id, res.ParentBranchId)
	require.Equal(t, "innerJoin", wi.Branch(outer[1].Id).NodeId)

	wi.Branch(outer[1].Id).NodeId = "join"
	wi.Branch(outer[0].Id).NodeId = "join"
	require.True(t, AtJoin(wi.Branch(outer[0].Id)))
	res, err = c.Join(wi, outer[0].Id)
	require.NoError(t, err)
	require.False(t, res.Continue)
	res, err = c.Join(wi, outer[1].Id)
	require.NoError(t, err)
	require.True(t, res.Continue)
	require.Equal(t, model.ROOT_BRANCH, res.ParentBranchId)
	require.Len(t, wi.Branches, 1)
}

func TestAbandon(t *testing.T) {
	wi := newInstance()
	c := sequential()
	_, err := c.Fork(wi, model.ROOT_BRANCH, "fork", "join", edges("a", "b"))
	require.NoError(t, err)
	dropped := c.Abandon(wi)
	require.Len(t, dropped, 3)
	require.Empty(t, wi.Branches)
	require.Empty(t, wi.Barriers)
}
