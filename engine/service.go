package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dario.cat/mergo"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/invocation"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/scheduler"
	"github.com/mohitkumar/caseflow/util"
	"go.uber.org/zap"
)

// outcome is the result of one service attempt, however it was obtained.
type outcome struct {
	result *model.ServiceExecutionResult
	output map[string]any
	err    error
}

func mergeVariables(dst map[string]any, src map[string]any) error {
	if len(src) == 0 {
		return nil
	}
	return mergo.Merge(&dst, src, mergo.WithOverride)
}

// retryBudget is the number of attempts a service node gets.
func (s *step) retryBudget(cfg model.ServiceNodeConfig) int {
	budget := cfg.MaxRetries
	if budget <= 0 {
		budget = s.wi.MaxRetries
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

func (s *step) serviceCall(b *model.BranchCursor, node model.WorkflowNode, cfg model.ServiceNodeConfig,
	conf *model.ServiceConfiguration, requestId string, attempt int) invocation.Call {
	return invocation.Call{
		InstanceId: s.wi.Id,
		NodeId:     node.Id,
		BranchId:   b.Id,
		RequestId:  requestId,
		Attempt:    attempt,
		Config:     *conf,
		Node:       cfg,
		Variables:  util.CloneMap(s.wi.Variables),
	}
}

func (s *step) enterService(b *model.BranchCursor, node model.WorkflowNode, cfg model.ServiceNodeConfig) (bool, error) {
	attempt, requestId := 1, uuid.NewString()
	if susp := b.Suspension; susp != nil && susp.Reason == model.AWAITING_SERVICE {
		attempt = susp.Attempt + 1
		if susp.RequestId != "" {
			requestId = susp.RequestId
		}
	}
	conf, err := s.e.services.GetServiceConfiguration(s.ctx, cfg.ServiceName)
	if err != nil {
		if api.IsPersistenceError(err) {
			return false, err
		}
		s.fail(b, node, err)
		return false, nil
	}
	call := s.serviceCall(b, node, cfg, conf, requestId, attempt)

	if cfg.Async {
		s.suspend(b, model.Suspension{Reason: model.AWAITING_SERVICE, RequestId: requestId, Attempt: attempt})
		s.log(b, node, model.LOG_INFORMATION, "Service call dispatched", map[string]any{
			"service":   conf.Name,
			"requestId": requestId,
			"attempt":   attempt,
		})
		s.then(func(ctx context.Context) {
			s.e.submitCall(ctx, call)
		})
		return false, nil
	}

	branchId := b.Id
	s.mu.Unlock()
	result, output, err := s.e.invoker.Invoke(s.ctx, call)
	s.mu.Lock()
	b = s.wi.Branch(branchId)
	if s.wi.Status.IsTerminal() || b == nil {
		// the instance ended while the call was running; keep the attempt on record
		if result != nil {
			s.cs.ServiceResults = append(s.cs.ServiceResults, result)
		}
		return false, nil
	}
	return s.applyOutcome(b, node, cfg, attempt, outcome{result: result, output: output, err: err}), nil
}

// applyOutcome records an attempt and either moves the branch on, schedules
// the next attempt or fails the instance.
func (s *step) applyOutcome(b *model.BranchCursor, node model.WorkflowNode, cfg model.ServiceNodeConfig, attempt int, o outcome) bool {
	if o.result != nil {
		s.cs.ServiceResults = append(s.cs.ServiceResults, o.result)
	}
	if o.err == nil {
		key := cfg.ResultVariable
		if key == "" {
			key = node.Id
		}
		existing, ok := s.wi.Variables[key].(map[string]any)
		if !ok || existing == nil {
			existing = map[string]any{}
		}
		if err := mergeVariables(existing, o.output); err != nil {
			s.fail(b, node, err)
			return false
		}
		s.wi.Variables[key] = existing
		data := map[string]any{"service": cfg.ServiceName, "attempt": attempt}
		if o.result != nil {
			data["statusCode"] = o.result.StatusCode
		}
		s.log(b, node, model.LOG_INFORMATION, "Service call succeeded", data)
		return s.moveNext(b, node)
	}

	s.wi.RetryCount++
	retryable := true
	var ie api.InvocationError
	if errors.As(o.err, &ie) {
		retryable = ie.Retryable
	}
	budget := s.retryBudget(cfg)
	data := map[string]any{"service": cfg.ServiceName, "attempt": attempt, "maxAttempts": budget, "errorType": "InvocationError"}
	if !retryable || attempt >= budget {
		s.logError(b, node, model.LOG_ERROR, "Service call failed", o.err, data)
		s.fail(b, node, o.err)
		return false
	}
	at := s.e.now().Add(s.e.retryPolicy.Delay(attempt))
	data["retryAt"] = at
	s.logError(b, node, model.LOG_ERROR, "Service call failed", o.err, data)
	requestId := uuid.NewString()
	s.suspend(b, model.Suspension{
		Reason:    model.AWAITING_SERVICE,
		RequestId: requestId,
		Attempt:   attempt,
		RetryAt:   &at,
		LastError: o.err.Error(),
	})
	job := scheduler.Job{
		Kind:       scheduler.JOB_SERVICE_RETRY,
		InstanceId: s.wi.Id,
		BranchId:   b.Id,
		NodeId:     node.Id,
		RequestId:  requestId,
		Attempt:    attempt + 1,
	}
	s.then(func(ctx context.Context) {
		// the retry sweep reschedules from the suspension if this fails
		if err := s.e.scheduler.Schedule(ctx, job, at); err != nil {
			logger.Error("error scheduling service retry", zap.String("instance", job.InstanceId),
				zap.String("node", job.NodeId), zap.Error(err))
		}
	})
	return false
}

func (e *Engine) submitCall(ctx context.Context, call invocation.Call) {
	w := e.dispatcher()
	if w == nil {
		logger.Debug("no service dispatcher running, waiting for external response",
			zap.String("instance", call.InstanceId), zap.String("request", call.RequestId))
		return
	}
	if err := w.Submit(call); err != nil {
		logger.Error("error submitting service call", zap.String("instance", call.InstanceId), zap.Error(err))
	}
}

func (e *Engine) runCall(call invocation.Call) error {
	ctx := context.Background()
	result, output, err := e.invoker.Invoke(ctx, call)
	_, rerr := e.completeCall(ctx, call.InstanceId, call.RequestId, func(s *step, b *model.BranchCursor, node model.WorkflowNode) outcome {
		return outcome{result: result, output: output, err: err}
	})
	return rerr
}

// HandleServiceResponse resumes a branch waiting on an async call. Responses
// for unknown or superseded requests are ignored.
func (e *Engine) HandleServiceResponse(ctx context.Context, resp model.ServiceResponse) (*model.WorkflowInstance, error) {
	if resp.InstanceId == "" || resp.RequestId == "" {
		return nil, api.InvalidRequestError{Message: "instance id and request id are required"}
	}
	return e.completeCall(ctx, resp.InstanceId, resp.RequestId, func(s *step, b *model.BranchCursor, node model.WorkflowNode) outcome {
		return s.responseOutcome(b, node, resp)
	})
}

func (e *Engine) completeCall(ctx context.Context, instanceId string, requestId string, fn func(s *step, b *model.BranchCursor, node model.WorkflowNode) outcome) (*model.WorkflowInstance, error) {
	return e.execute(ctx, instanceId, func(s *step) error {
		b := s.waitingOn(model.AWAITING_SERVICE, func(susp *model.Suspension) bool {
			return susp.RequestId == requestId && susp.RetryAt == nil
		})
		if b == nil || s.wi.Status.IsTerminal() {
			logger.Debug("discarding stale service response", zap.String("instance", instanceId), zap.String("request", requestId))
			s.skip = true
			return nil
		}
		node, err := s.flow.Node(b.NodeId)
		if err != nil {
			return err
		}
		cfg, _ := node.Config.(model.ServiceNodeConfig)
		s.applyOutcome(b, node, cfg, b.Suspension.Attempt, fn(s, b, node))
		return nil
	})
}

func (s *step) responseOutcome(b *model.BranchCursor, node model.WorkflowNode, resp model.ServiceResponse) outcome {
	cfg, _ := node.Config.(model.ServiceNodeConfig)
	status := resp.StatusCode
	if status == 0 && resp.Error == "" {
		status = http.StatusOK
	}
	result := resp.Result
	if result == nil {
		now := s.e.now()
		result = &model.ServiceExecutionResult{
			Id:          uuid.NewString(),
			InstanceId:  s.wi.Id,
			NodeId:      node.Id,
			BranchId:    b.Id,
			RequestId:   resp.RequestId,
			ServiceName: cfg.ServiceName,
			ServiceType: invocation.SERVICE_TYPE_HTTP,
			Attempt:     b.Suspension.Attempt,
			Response:    map[string]any{"statusCode": status, "headers": resp.Headers, "body": resp.Body},
			StatusCode:  status,
			StartedAt:   now,
			CompletedAt: now,
		}
	}
	if resp.Error != "" || status < 200 || status > 299 {
		msg := resp.Error
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d %s", status, http.StatusText(status))
		}
		err := api.InvocationError{ServiceName: cfg.ServiceName, StatusCode: status, Message: msg, Retryable: !resp.NonRetryable}
		result.Success = false
		result.ErrorMessage = err.Error()
		result.ErrorDetails = msg
		return outcome{result: result, err: err}
	}
	result.Success = true
	switch body := resp.Body.(type) {
	case map[string]any:
		return outcome{result: result, output: body}
	case nil:
		return outcome{result: result, output: map[string]any{}}
	default:
		return outcome{result: result, output: map[string]any{"value": body}}
	}
}

// retryService runs the attempt a retry job was scheduled for.
func (e *Engine) retryService(ctx context.Context, job scheduler.Job) error {
	_, err := e.execute(ctx, job.InstanceId, func(s *step) error {
		b := s.waitingOn(model.AWAITING_SERVICE, func(susp *model.Suspension) bool {
			return susp.RequestId == job.RequestId && susp.RetryAt != nil
		})
		if b == nil || s.wi.Status.IsTerminal() {
			s.skip = true
			return nil
		}
		// the suspension stays so the attempt keeps its number and request id
		b.Status = model.BRANCH_ACTIVE
		b.Suspension.RetryAt = nil
		return nil
	})
	if api.IsNotFound(err) {
		return nil
	}
	return err
}

// redispatch resubmits an async call that was in flight when the process
// stopped. The request id is reused so the service can deduplicate.
func (e *Engine) redispatch(ctx context.Context, job scheduler.Job) error {
	_, err := e.execute(ctx, job.InstanceId, func(s *step) error {
		s.skip = true
		b := s.waitingOn(model.AWAITING_SERVICE, func(susp *model.Suspension) bool {
			return susp.RequestId == job.RequestId && susp.RetryAt == nil
		})
		if b == nil || s.wi.Status.IsTerminal() {
			return nil
		}
		node, err := s.flow.Node(b.NodeId)
		if err != nil {
			return err
		}
		cfg, _ := node.Config.(model.ServiceNodeConfig)
		conf, err := s.e.services.GetServiceConfiguration(ctx, cfg.ServiceName)
		if err != nil {
			return err
		}
		call := s.serviceCall(b, node, cfg, conf, b.Suspension.RequestId, b.Suspension.Attempt)
		s.then(func(ctx context.Context) {
			s.e.submitCall(ctx, call)
		})
		return nil
	})
	if api.IsNotFound(err) {
		return nil
	}
	return err
}

func (e *Engine) handleJob(ctx context.Context, job scheduler.Job) error {
	switch job.Kind {
	case scheduler.JOB_SERVICE_RETRY:
		return e.retryService(ctx, job)
	case scheduler.JOB_SERVICE_REDISPATCH:
		return e.redispatch(ctx, job)
	}
	return backoff.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
}

// RescheduleStalledRetries queues a retry for every service suspension whose
// retry time passed more than grace ago without the job running. A job that
// runs twice finds the suspension already consumed and is skipped.
func (e *Engine) RescheduleStalledRetries(ctx context.Context, grace time.Duration) (int, error) {
	list, err := e.store.ListInstances(ctx, model.InstanceFilter{Status: model.INSTANCE_SUSPENDED})
	if err != nil {
		return 0, err
	}
	now := e.now()
	cutoff := now.Add(-grace)
	n := 0
	for _, wi := range list {
		for _, b := range wi.Branches {
			susp := b.Suspension
			if b.Status != model.BRANCH_SUSPENDED || susp == nil || susp.Reason != model.AWAITING_SERVICE ||
				susp.RetryAt == nil || !susp.RetryAt.Before(cutoff) {
				continue
			}
			job := scheduler.Job{
				Kind:       scheduler.JOB_SERVICE_RETRY,
				InstanceId: wi.Id,
				BranchId:   b.Id,
				NodeId:     b.NodeId,
				RequestId:  susp.RequestId,
				Attempt:    susp.Attempt + 1,
			}
			if err := e.scheduler.Schedule(ctx, job, now); err != nil {
				return n, err
			}
			logger.Warn("service retry rescheduled", zap.String("instance", wi.Id), zap.String("node", b.NodeId),
				zap.Time("retryAt", *susp.RetryAt))
			n++
		}
	}
	return n, nil
}
