package coordinator

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mohitkumar/caseflow/model"
)

// Coordinator manages branch cursors and join barriers stored on an
// instance. It is not safe for concurrent use; callers hold the instance's
// state lock.
type Coordinator struct {
	newId func() string
}

func New() *Coordinator {
	return &Coordinator{newId: uuid.NewString}
}

// Fork parks the parent cursor and creates one active cursor per outgoing
// edge of the parallel node, together with a barrier expecting all of them
// at joinNodeId.
func (c *Coordinator) Fork(wi *model.WorkflowInstance, parentId string, forkNodeId string, joinNodeId string, edges []model.WorkflowEdge) ([]model.BranchCursor, error) {
	parent := wi.Branch(parentId)
	if parent == nil {
		return nil, fmt.Errorf("branch %s not found on instance %s", parentId, wi.Id)
	}
	if len(edges) < 2 {
		return nil, fmt.Errorf("parallel node %s has %d branches", forkNodeId, len(edges))
	}
	forkId := c.newId()
	parent.Status = model.BRANCH_FORKED
	parent.NodeId = forkNodeId
	parent.Suspension = nil

	children := make([]model.BranchCursor, 0, len(edges))
	for _, e := range edges {
		children = append(children, model.BranchCursor{
			Id:         c.newId(),
			ParentId:   parentId,
			ForkId:     forkId,
			JoinNodeId: joinNodeId,
			NodeId:     e.Target,
			Status:     model.BRANCH_ACTIVE,
		})
	}
	wi.Branches = append(wi.Branches, children...)
	wi.Barriers = append(wi.Barriers, model.JoinBarrier{
		ForkId:         forkId,
		ForkNodeId:     forkNodeId,
		JoinNodeId:     joinNodeId,
		ParentBranchId: parentId,
		Expected:       len(children),
	})
	return children, nil
}

// AtJoin reports whether the cursor stands on the join of its fork.
func AtJoin(b *model.BranchCursor) bool {
	return b.ForkId != "" && b.JoinNodeId != "" && b.NodeId == b.JoinNodeId
}

type JoinResult struct {
	Continue       bool
	ParentBranchId string
	JoinNodeId     string
	Arrived        int
	Expected       int
}

// Join records the arrival of a branch at its join node and retires its
// cursor. Once every branch of the fork has arrived the parent cursor is
// reactivated on the join node and Continue is true.
func (c *Coordinator) Join(wi *model.WorkflowInstance, branchId string) (JoinResult, error) {
	b := wi.Branch(branchId)
	if b == nil {
		return JoinResult{}, fmt.Errorf("branch %s not found on instance %s", branchId, wi.Id)
	}
	barrier := wi.Barrier(b.ForkId)
	if barrier == nil {
		return JoinResult{}, fmt.Errorf("no join barrier for fork %s on instance %s", b.ForkId, wi.Id)
	}
	arrived := false
	for _, id := range barrier.Arrived {
		if id == branchId {
			arrived = true
			break
		}
	}
	if !arrived {
		barrier.Arrived = append(barrier.Arrived, branchId)
	}
	res := JoinResult{
		ParentBranchId: barrier.ParentBranchId,
		JoinNodeId:     barrier.JoinNodeId,
		Arrived:        len(barrier.Arrived),
		Expected:       barrier.Expected,
	}
	forkId := barrier.ForkId
	wi.RemoveBranch(branchId)
	if res.Arrived < res.Expected {
		return res, nil
	}
	wi.RemoveBarrier(forkId)
	parent := wi.Branch(res.ParentBranchId)
	if parent == nil {
		return res, fmt.Errorf("parent branch %s not found on instance %s", res.ParentBranchId, wi.Id)
	}
	parent.NodeId = res.JoinNodeId
	parent.Status = model.BRANCH_ACTIVE
	res.Continue = true
	return res, nil
}

// Abandon drops every cursor and barrier, used when the instance reaches a
// terminal state while branches are in flight.
func (c *Coordinator) Abandon(wi *model.WorkflowInstance) []model.BranchCursor {
	dropped := wi.Branches
	wi.Branches = nil
	wi.Barriers = nil
	return dropped
}
