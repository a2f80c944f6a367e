package model

import "time"

type InstanceStatus string

const INSTANCE_RUNNING InstanceStatus = "Running"
const INSTANCE_SUSPENDED InstanceStatus = "Suspended"
const INSTANCE_COMPLETED InstanceStatus = "Completed"
const INSTANCE_FAILED InstanceStatus = "Failed"
const INSTANCE_CANCELLED InstanceStatus = "Cancelled"

func (s InstanceStatus) IsTerminal() bool {
	return s == INSTANCE_COMPLETED || s == INSTANCE_FAILED || s == INSTANCE_CANCELLED
}

type BranchStatus string

// BRANCH_ACTIVE cursors are runnable, BRANCH_SUSPENDED ones wait on a trigger
// and BRANCH_FORKED ones wait for their children to meet at a join.
const BRANCH_ACTIVE BranchStatus = "Active"
const BRANCH_SUSPENDED BranchStatus = "Suspended"
const BRANCH_FORKED BranchStatus = "Forked"

type SuspensionReason string

const AWAITING_TASK SuspensionReason = "AwaitingTask"
const AWAITING_SERVICE SuspensionReason = "AwaitingService"
const AWAITING_CHILD SuspensionReason = "AwaitingChild"

const ROOT_BRANCH = "main"

type Suspension struct {
	Reason          SuspensionReason `json:"reason"`
	TaskId          string           `json:"taskId,omitempty"`
	ChildInstanceId string           `json:"childInstanceId,omitempty"`
	// RequestId identifies the outstanding service attempt. Responses carrying
	// another id are stale.
	RequestId string     `json:"requestId,omitempty"`
	Attempt   int        `json:"attempt,omitempty"`
	RetryAt   *time.Time `json:"retryAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

type BranchCursor struct {
	Id         string       `json:"id"`
	ParentId   string       `json:"parentId,omitempty"`
	ForkId     string       `json:"forkId,omitempty"`
	JoinNodeId string       `json:"joinNodeId,omitempty"`
	NodeId     string       `json:"nodeId"`
	Status     BranchStatus `json:"status"`
	Suspension *Suspension  `json:"suspension,omitempty"`
}

// JoinBarrier counts branches of one fork arriving at their join node.
type JoinBarrier struct {
	ForkId         string   `json:"forkId"`
	ForkNodeId     string   `json:"forkNodeId"`
	JoinNodeId     string   `json:"joinNodeId"`
	ParentBranchId string   `json:"parentBranchId"`
	Expected       int      `json:"expected"`
	Arrived        []string `json:"arrived"`
}

type WorkflowInstance struct {
	Id                string         `json:"id"`
	DefinitionId      string         `json:"definitionId"`
	DefinitionName    string         `json:"definitionName"`
	DefinitionVersion int            `json:"definitionVersion"`
	ApplicationId     string         `json:"applicationId,omitempty"`
	ParentInstanceId  string         `json:"parentInstanceId,omitempty"`
	ParentBranchId    string         `json:"parentBranchId,omitempty"`
	Status            InstanceStatus `json:"status"`
	CurrentNodeIds    []string       `json:"currentNodeIds"`
	Branches          []BranchCursor `json:"branches"`
	Barriers          []JoinBarrier  `json:"barriers,omitempty"`
	Variables         map[string]any `json:"variables"`
	RetryCount        int            `json:"retryCount"`
	MaxRetries        int            `json:"maxRetries"`
	StartedBy         string         `json:"startedBy,omitempty"`
	StartedAt         time.Time      `json:"startedAt"`
	LastActivityAt    time.Time      `json:"lastActivityAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
	ErrorMessage      string         `json:"errorMessage,omitempty"`
	CancelReason      string         `json:"cancelReason,omitempty"`
	LogSequence       int64          `json:"logSequence"`
	// Version is bumped on every commit and checked by stores for lost updates.
	Version int64 `json:"version"`
}

func (wi *WorkflowInstance) Branch(id string) *BranchCursor {
	for i := range wi.Branches {
		if wi.Branches[i].Id == id {
			return &wi.Branches[i]
		}
	}
	return nil
}

func (wi *WorkflowInstance) RemoveBranch(id string) {
	out := wi.Branches[:0]
	for _, b := range wi.Branches {
		if b.Id != id {
			out = append(out, b)
		}
	}
	wi.Branches = out
}

func (wi *WorkflowInstance) Barrier(forkId string) *JoinBarrier {
	for i := range wi.Barriers {
		if wi.Barriers[i].ForkId == forkId {
			return &wi.Barriers[i]
		}
	}
	return nil
}

func (wi *WorkflowInstance) RemoveBarrier(forkId string) {
	out := wi.Barriers[:0]
	for _, b := range wi.Barriers {
		if b.ForkId != forkId {
			out = append(out, b)
		}
	}
	wi.Barriers = out
}

// RefreshCurrentNodes recomputes CurrentNodeIds from the cursors that are
// positioned on a node.
func (wi *WorkflowInstance) RefreshCurrentNodes() {
	ids := make([]string, 0, len(wi.Branches))
	for _, b := range wi.Branches {
		if b.Status != BRANCH_FORKED {
			ids = append(ids, b.NodeId)
		}
	}
	wi.CurrentNodeIds = ids
}

type InstanceFilter struct {
	DefinitionId  string
	ApplicationId string
	Status        InstanceStatus
}

func (f InstanceFilter) Match(wi *WorkflowInstance) bool {
	if f.DefinitionId != "" && wi.DefinitionId != f.DefinitionId {
		return false
	}
	if f.ApplicationId != "" && wi.ApplicationId != f.ApplicationId {
		return false
	}
	if f.Status != "" && wi.Status != f.Status {
		return false
	}
	return true
}
