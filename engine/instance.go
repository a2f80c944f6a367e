package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/flow"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/scheduler"
	"github.com/mohitkumar/caseflow/util"
	"go.uber.org/zap"
)

func (e *Engine) newInstance(fl *flow.Flow, variables map[string]any) *model.WorkflowInstance {
	now := e.now()
	def := fl.Definition
	if variables == nil {
		variables = map[string]any{}
	}
	return &model.WorkflowInstance{
		Id:                uuid.NewString(),
		DefinitionId:      def.Id,
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Status:            model.INSTANCE_RUNNING,
		CurrentNodeIds:    []string{fl.StartNode},
		Branches: []model.BranchCursor{{
			Id:     model.ROOT_BRANCH,
			NodeId: fl.StartNode,
			Status: model.BRANCH_ACTIVE,
		}},
		Variables:      variables,
		MaxRetries:     e.maxRetries,
		StartedAt:      now,
		LastActivityAt: now,
	}
}

// CreateInstance starts a new instance of an active definition and runs it
// until every branch is suspended or the instance ends.
func (e *Engine) CreateInstance(ctx context.Context, req model.CreateInstanceRequest) (*model.WorkflowInstance, error) {
	if req.DefinitionId == "" {
		return nil, api.InvalidRequestError{Message: "definition id is required"}
	}
	fl, err := e.flows.GetFlow(ctx, req.DefinitionId)
	if err != nil {
		return nil, err
	}
	if fl.Definition.Status != model.DEFINITION_ACTIVE {
		return nil, api.InvalidRequestError{Message: fmt.Sprintf("definition %s is %s, not Active", fl.Id(), fl.Definition.Status)}
	}
	wi := e.newInstance(fl, util.CloneMap(req.Variables))
	wi.ApplicationId = req.ApplicationId
	wi.StartedBy = req.StartedBy
	if req.MaxRetries > 0 {
		wi.MaxRetries = req.MaxRetries
	}
	unlock := e.locks.lock(wi.Id)
	s, err := e.newStep(ctx, wi)
	if err != nil {
		unlock()
		return nil, err
	}
	s.initial = ""
	logger.Info("creating workflow instance", zap.String("instance", wi.Id), zap.String("definition", fl.Id()))
	return e.process(s, nil, unlock)
}

// CancelInstance stops a running or suspended instance. Open tasks are
// cancelled, pending retries become stale and late responses are dropped.
func (e *Engine) CancelInstance(ctx context.Context, req model.CancelInstanceRequest) (*model.WorkflowInstance, error) {
	return e.execute(ctx, req.InstanceId, func(s *step) error {
		if s.wi.Status.IsTerminal() {
			return api.ConcurrencyConflict{Entity: "instance", Id: s.wi.Id, Message: fmt.Sprintf("instance is already %s", s.wi.Status)}
		}
		reason := req.Reason
		if reason == "" {
			reason = "cancelled"
		}
		s.wi.RefreshCurrentNodes()
		s.wi.Status = model.INSTANCE_CANCELLED
		s.wi.CancelReason = reason
		entry := s.log(nil, model.WorkflowNode{}, model.LOG_WARNING, "Workflow cancelled", map[string]any{"reason": reason})
		entry.Actor = req.CancelledBy
		s.terminate(reason)
		s.resumeParent()
		return nil
	})
}

// PurgeInstance deletes a terminal instance with its tasks, logs and
// service results.
func (e *Engine) PurgeInstance(ctx context.Context, instanceId string) error {
	unlock := e.locks.lock(instanceId)
	defer unlock()
	wi, err := e.store.GetInstance(ctx, instanceId)
	if err != nil {
		return err
	}
	if !wi.Status.IsTerminal() {
		return api.InvalidRequestError{Message: fmt.Sprintf("instance %s is %s and cannot be purged", instanceId, wi.Status)}
	}
	return e.store.DeleteInstance(ctx, instanceId)
}

func (e *Engine) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	return e.store.GetInstance(ctx, id)
}

func (e *Engine) ListInstances(ctx context.Context, filter model.InstanceFilter) ([]*model.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, filter)
}

func (e *Engine) ListLogs(ctx context.Context, instanceId string) ([]*model.WorkflowInstanceLog, error) {
	return e.store.ListLogs(ctx, instanceId)
}

func (e *Engine) ListServiceResults(ctx context.Context, instanceId string) ([]*model.ServiceExecutionResult, error) {
	return e.store.ListServiceResults(ctx, instanceId)
}

// Recover restarts work that was in flight when the process stopped:
// runnable branches, async calls without a response, retries whose job was
// lost and parents of children that ended.
func (e *Engine) Recover(ctx context.Context) error {
	for _, status := range []model.InstanceStatus{model.INSTANCE_RUNNING, model.INSTANCE_SUSPENDED} {
		list, err := e.store.ListInstances(ctx, model.InstanceFilter{Status: status})
		if err != nil {
			return err
		}
		for _, wi := range list {
			e.recoverInstance(ctx, wi)
		}
	}
	return nil
}

func (e *Engine) recoverInstance(ctx context.Context, wi *model.WorkflowInstance) {
	runnable := false
	for _, b := range wi.Branches {
		if b.Status == model.BRANCH_ACTIVE {
			runnable = true
		}
		susp := b.Suspension
		if b.Status != model.BRANCH_SUSPENDED || susp == nil {
			continue
		}
		switch susp.Reason {
		case model.AWAITING_SERVICE:
			job := scheduler.Job{InstanceId: wi.Id, BranchId: b.Id, NodeId: b.NodeId, RequestId: susp.RequestId, Attempt: susp.Attempt}
			at := e.now()
			if susp.RetryAt != nil {
				job.Kind = scheduler.JOB_SERVICE_RETRY
				job.Attempt++
				at = *susp.RetryAt
			} else {
				job.Kind = scheduler.JOB_SERVICE_REDISPATCH
			}
			if err := e.scheduler.Schedule(ctx, job, at); err != nil {
				logger.Error("error rescheduling service call", zap.String("instance", wi.Id), zap.Error(err))
			}
		case model.AWAITING_CHILD:
			child, err := e.store.GetInstance(ctx, susp.ChildInstanceId)
			if err != nil {
				logger.Error("error loading subprocess instance", zap.String("instance", wi.Id), zap.Error(err))
				continue
			}
			if child.Status.IsTerminal() {
				if err := e.childFinished(ctx, child); err != nil {
					logger.Error("error resuming parent instance", zap.String("instance", wi.Id), zap.Error(err))
				}
			}
		}
	}
	if runnable {
		if _, err := e.execute(ctx, wi.Id, nil); err != nil {
			logger.Error("error resuming instance", zap.String("instance", wi.Id), zap.Error(err))
		}
	}
}
