package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/assignment"
	"github.com/mohitkumar/caseflow/events"
	"github.com/mohitkumar/caseflow/flow"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/util"
	"go.uber.org/zap"
)

func errUnsupportedNode(node model.WorkflowNode) error {
	return fmt.Errorf("node %s has unsupported type %q", node.Id, node.Type)
}

// errorType names the error class recorded with failure log entries.
func errorType(err error) string {
	var (
		branching  api.BranchingError
		assign     api.AssignmentError
		invocation api.InvocationError
		validation api.ValidationError
	)
	switch {
	case errors.As(err, &branching):
		return "BranchingError"
	case errors.As(err, &assign):
		return "AssignmentError"
	case errors.As(err, &invocation):
		return "InvocationError"
	case errors.As(err, &validation):
		return "ValidationError"
	}
	return "Error"
}

func (s *step) enterTask(b *model.BranchCursor, node model.WorkflowNode, cfg model.TaskNodeConfig) error {
	task, err := s.e.assigner.CreateTask(s.ctx, assignment.Request{
		DefinitionId:   s.wi.DefinitionId,
		DefinitionName: s.wi.DefinitionName,
		InstanceId:     s.wi.Id,
		BranchId:       b.Id,
		Node:           node,
		Config:         cfg,
		Variables:      s.wi.Variables,
		Pending:        s.cs.Tasks,
	})
	if err != nil {
		var ae api.AssignmentError
		if errors.As(err, &ae) {
			s.fail(b, node, err)
			return nil
		}
		return err
	}
	s.putTask(task)
	s.suspend(b, model.Suspension{Reason: model.AWAITING_TASK, TaskId: task.Id})
	s.log(b, node, model.LOG_INFORMATION, "Task assigned", map[string]any{
		"taskId":         task.Id,
		"assignee":       task.AssignedToUserId,
		"assignmentType": string(task.Assignment),
	})
	s.emit(events.Event{Type: events.EVENT_TASK_CREATED, InstanceId: s.wi.Id, Task: task})
	return nil
}

func (s *step) enterDecision(b *model.BranchCursor, node model.WorkflowNode) bool {
	sel, err := s.e.evaluator.SelectEdge(node.Id, s.flow.Outgoing(node.Id), s.wi.Variables)
	for _, w := range sel.Warnings {
		s.log(b, node, model.LOG_WARNING, "Condition evaluation failed", map[string]any{
			"edgeId":     w.EdgeId,
			"expression": w.Expression,
			"error":      w.Message,
		})
	}
	if err != nil {
		s.fail(b, node, err)
		return false
	}
	s.log(b, node, model.LOG_INFORMATION, "Decision taken", map[string]any{
		"edgeId":  sel.Edge.Id,
		"target":  sel.Edge.Target,
		"label":   sel.Edge.Label,
		"default": sel.Default,
	})
	b.NodeId = sel.Edge.Target
	return true
}

func (s *step) enterParallel(b *model.BranchCursor, node model.WorkflowNode) {
	join := s.flow.JoinOf(node.Id)
	children, err := s.e.coordinator.Fork(s.wi, b.Id, node.Id, join, s.flow.Outgoing(node.Id))
	if err != nil {
		s.fail(b, node, err)
		return
	}
	ids := make([]string, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.Id)
	}
	s.logBranch(children[0].ParentId, node, model.LOG_INFORMATION, "Parallel branches started", map[string]any{
		"branches": ids,
		"join":     join,
	})
}

func (s *step) enterSubProcess(b *model.BranchCursor, node model.WorkflowNode, cfg model.SubProcessNodeConfig) error {
	var (
		child *flow.Flow
		err   error
	)
	if cfg.DefinitionId != "" {
		child, err = s.e.flows.GetFlow(s.ctx, cfg.DefinitionId)
	} else {
		child, err = s.e.flows.GetActiveFlow(s.ctx, cfg.DefinitionName)
	}
	if err != nil {
		if api.IsPersistenceError(err) {
			return err
		}
		s.fail(b, node, err)
		return nil
	}
	variables := util.CloneMap(s.wi.Variables)
	if len(cfg.InputMapping) > 0 {
		params := make(map[string]any, len(cfg.InputMapping))
		for k, path := range cfg.InputMapping {
			params[k] = pathToken(path)
		}
		variables = util.ResolveParams(util.CloneMap(s.wi.Variables), params)
	}
	wi := s.e.newInstance(child, variables)
	wi.ApplicationId = s.wi.ApplicationId
	wi.StartedBy = s.wi.StartedBy
	wi.MaxRetries = s.wi.MaxRetries
	wi.ParentInstanceId = s.wi.Id
	wi.ParentBranchId = b.Id
	s.cs.Instances = append(s.cs.Instances, wi)

	s.suspend(b, model.Suspension{Reason: model.AWAITING_CHILD, ChildInstanceId: wi.Id})
	s.log(b, node, model.LOG_INFORMATION, "Subprocess started", map[string]any{
		"childInstanceId": wi.Id,
		"definitionId":    child.Id(),
	})
	childId := wi.Id
	s.then(func(ctx context.Context) {
		if _, err := s.e.execute(ctx, childId, nil); err != nil {
			logger.Error("error starting subprocess instance", zap.String("instance", childId), zap.Error(err))
		}
	})
	return nil
}

// pathToken turns a mapping path such as "$.customer.id" or "customer.id"
// into a resolvable {$.path} token. Values already holding tokens are kept.
func pathToken(path string) string {
	if strings.Contains(path, "{$") {
		return path
	}
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	return "{" + path + "}"
}

// childFinished resumes the parent branch waiting on a terminal child.
func (e *Engine) childFinished(ctx context.Context, child *model.WorkflowInstance) error {
	_, err := e.execute(ctx, child.ParentInstanceId, func(s *step) error {
		b := s.waitingOn(model.AWAITING_CHILD, func(susp *model.Suspension) bool {
			return susp.ChildInstanceId == child.Id
		})
		if b == nil || s.wi.Status.IsTerminal() {
			s.skip = true
			return nil
		}
		node, err := s.flow.Node(b.NodeId)
		if err != nil {
			return err
		}
		if child.Status != model.INSTANCE_COMPLETED {
			s.fail(b, node, fmt.Errorf("subprocess %s ended %s: %s", child.Id, child.Status, child.ErrorMessage))
			return nil
		}
		cfg, _ := node.Config.(model.SubProcessNodeConfig)
		if len(cfg.OutputMapping) > 0 {
			for k, path := range cfg.OutputMapping {
				v, err := util.Lookup(child.Variables, path)
				if err != nil {
					s.log(b, node, model.LOG_WARNING, "Output mapping failed", map[string]any{"variable": k, "path": path, "error": err.Error()})
					continue
				}
				s.wi.Variables[k] = v
			}
		} else if err := mergeVariables(s.wi.Variables, child.Variables); err != nil {
			s.fail(b, node, err)
			return nil
		}
		s.log(b, node, model.LOG_INFORMATION, "Subprocess completed", map[string]any{"childInstanceId": child.Id})
		s.moveNext(b, node)
		return nil
	})
	return err
}

func (e *Engine) cancelChild(ctx context.Context, childId string, reason string) {
	_, err := e.CancelInstance(ctx, model.CancelInstanceRequest{InstanceId: childId, Reason: "parent instance ended: " + reason})
	if err != nil && !api.IsConcurrencyConflict(err) && !api.IsNotFound(err) {
		logger.Error("error cancelling subprocess instance", zap.String("instance", childId), zap.Error(err))
	}
}

// waitingOn finds the suspended branch matching reason and pred.
func (s *step) waitingOn(reason model.SuspensionReason, pred func(susp *model.Suspension) bool) *model.BranchCursor {
	for i := range s.wi.Branches {
		b := &s.wi.Branches[i]
		if b.Suspension != nil && b.Suspension.Reason == reason && pred(b.Suspension) {
			return b
		}
	}
	return nil
}
