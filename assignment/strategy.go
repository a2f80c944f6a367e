package assignment

import (
	"context"
	"fmt"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/directory"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/util"
)

// Request describes the task node being entered.
type Request struct {
	DefinitionId string
	// DefinitionName keys round robin rotation across versions.
	DefinitionName string
	InstanceId     string
	BranchId       string
	Node           model.WorkflowNode
	Config         model.TaskNodeConfig
	Variables      map[string]any
	// Pending holds tasks created earlier in the same, not yet committed,
	// step. They count toward workloads.
	Pending []*model.WorkflowTask
}

// State is the persisted assignment state handed to a strategy.
type State struct {
	Rotation  int64
	Workloads map[string]model.Workload
}

type Strategy interface {
	// Candidates lists eligible users in preference order.
	Candidates(ctx context.Context, req Request) ([]string, error)
	// Choose picks one candidate using only the explicit state.
	Choose(candidates []string, state State) (string, error)
}

type manualStrategy struct{}

func (manualStrategy) Candidates(ctx context.Context, req Request) ([]string, error) {
	if req.Config.Assignee == "" {
		return nil, nil
	}
	return []string{req.Config.Assignee}, nil
}

func (manualStrategy) Choose(candidates []string, state State) (string, error) {
	return first(candidates)
}

type automaticStrategy struct {
	directory directory.Directory
}

func (s automaticStrategy) Candidates(ctx context.Context, req Request) ([]string, error) {
	rule := req.Config.AssigneeRule
	if rule == nil {
		return nil, fmt.Errorf("no assignee rule configured")
	}
	value, err := util.Lookup(req.Variables, rule.Path)
	if err != nil {
		return nil, fmt.Errorf("assignee rule %s: %w", rule.Path, err)
	}
	userId, ok := value.(string)
	if !ok || userId == "" {
		return nil, fmt.Errorf("assignee rule %s resolved to %v, expected a user id", rule.Path, value)
	}
	if rule.Type == model.ASSIGNEE_RULE_MANAGER {
		mgr, err := s.directory.ManagerOf(ctx, userId)
		if err != nil {
			return nil, err
		}
		return []string{mgr.Id}, nil
	}
	return []string{userId}, nil
}

func (automaticStrategy) Choose(candidates []string, state State) (string, error) {
	return first(candidates)
}

type roundRobinStrategy struct{}

func (roundRobinStrategy) Candidates(ctx context.Context, req Request) ([]string, error) {
	return req.Config.Candidates, nil
}

func (roundRobinStrategy) Choose(candidates []string, state State) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("candidate pool is empty")
	}
	idx := state.Rotation % int64(len(candidates))
	if idx < 0 {
		idx += int64(len(candidates))
	}
	return candidates[idx], nil
}

type loadBalancedStrategy struct{}

func (loadBalancedStrategy) Candidates(ctx context.Context, req Request) ([]string, error) {
	return req.Config.Candidates, nil
}

// Choose picks the candidate with the fewest open tasks, then the one whose
// last assignment is oldest, then the first listed.
func (loadBalancedStrategy) Choose(candidates []string, state State) (string, error) {
	best := ""
	var bestLoad model.Workload
	for _, c := range candidates {
		load := state.Workloads[c]
		if best == "" || load.Active < bestLoad.Active ||
			(load.Active == bestLoad.Active && load.LastAssignedAt.Before(bestLoad.LastAssignedAt)) {
			best, bestLoad = c, load
		}
	}
	if best == "" {
		return "", fmt.Errorf("candidate pool is empty")
	}
	return best, nil
}

type roleBasedStrategy struct {
	loadBalancedStrategy
	directory directory.Directory
}

func (s roleBasedStrategy) Candidates(ctx context.Context, req Request) ([]string, error) {
	users, err := s.directory.UsersInRole(ctx, req.Config.Role)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.Id)
	}
	return ids, nil
}

func first(candidates []string) (string, error) {
	if len(candidates) == 0 || candidates[0] == "" {
		return "", fmt.Errorf("no assignee resolved")
	}
	return candidates[0], nil
}

func assignmentError(req Request, reason error) error {
	return api.AssignmentError{
		NodeId:   req.Node.Id,
		Strategy: string(req.Config.AssignmentType),
		Reason:   reason.Error(),
	}
}
