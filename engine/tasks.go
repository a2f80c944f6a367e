package engine

import (
	"context"
	"fmt"
	"time"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/events"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/model"
	"go.uber.org/zap"
)

// taskStep runs fn on the instance owning taskId with the task reloaded
// under the instance lock.
func (e *Engine) taskStep(ctx context.Context, taskId string, fn func(s *step, task *model.WorkflowTask) error) (*model.WorkflowTask, error) {
	task, err := e.store.GetTask(ctx, taskId)
	if err != nil {
		return nil, err
	}
	var out *model.WorkflowTask
	_, err = e.execute(ctx, task.InstanceId, func(s *step) error {
		current, err := s.e.store.GetTask(s.ctx, taskId)
		if err != nil {
			return err
		}
		if err := fn(s, current); err != nil {
			return err
		}
		for _, t := range s.cs.Tasks {
			if t.Id == taskId {
				out = t
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *step) taskNode(task *model.WorkflowTask) model.WorkflowNode {
	node, err := s.flow.Node(task.NodeId)
	if err != nil {
		return model.WorkflowNode{Id: task.NodeId}
	}
	return node
}

// CompleteTask closes a task and resumes the branch waiting on it. A second
// completion, or one arriving after the instance ended, is a conflict.
func (e *Engine) CompleteTask(ctx context.Context, req model.CompleteTaskRequest) (*model.WorkflowTask, error) {
	return e.taskStep(ctx, req.TaskId, func(s *step, task *model.WorkflowTask) error {
		if s.wi.Status.IsTerminal() {
			return api.ConcurrencyConflict{Entity: "instance", Id: s.wi.Id, Message: fmt.Sprintf("instance is already %s", s.wi.Status)}
		}
		done, err := s.e.assigner.Complete(task, req.CompletedBy, req.Result)
		if err != nil {
			return err
		}
		b := s.waitingOn(model.AWAITING_TASK, func(susp *model.Suspension) bool { return susp.TaskId == task.Id })
		if b == nil {
			return api.ConcurrencyConflict{Entity: "task", Id: task.Id, Message: "no branch is waiting on the task"}
		}
		node, err := s.flow.Node(task.NodeId)
		if err != nil {
			return err
		}
		s.putTask(done)
		s.wi.Variables[node.Id] = map[string]any{
			"result":      req.Result,
			"completedBy": req.CompletedBy,
			"taskId":      task.Id,
		}
		key := "result"
		if cfg, ok := node.Config.(model.TaskNodeConfig); ok && cfg.ResultVariable != "" {
			key = cfg.ResultVariable
		}
		s.wi.Variables[key] = req.Result
		s.emit(events.Event{Type: events.EVENT_TASK_COMPLETED, InstanceId: s.wi.Id, Task: done})
		s.moveNext(b, node)
		return nil
	})
}

func (e *Engine) AssignTask(ctx context.Context, req model.AssignTaskRequest) (*model.WorkflowTask, error) {
	return e.taskStep(ctx, req.TaskId, func(s *step, task *model.WorkflowTask) error {
		assigned, err := s.e.assigner.Assign(s.ctx, task, req)
		if err != nil {
			return err
		}
		s.putTask(assigned)
		entry := s.logBranch(task.BranchId, s.taskNode(task), model.LOG_INFORMATION, "Task assigned manually", map[string]any{
			"taskId":   task.Id,
			"from":     task.AssignedToUserId,
			"assignee": assigned.AssignedToUserId,
		})
		entry.Actor = req.Actor
		s.emit(events.Event{Type: events.EVENT_TASK_UPDATED, InstanceId: s.wi.Id, Task: assigned})
		return nil
	})
}

func (e *Engine) ReassignTask(ctx context.Context, req model.ReassignTaskRequest) (*model.WorkflowTask, error) {
	return e.taskStep(ctx, req.TaskId, func(s *step, task *model.WorkflowTask) error {
		moved, err := s.e.assigner.Reassign(s.ctx, task, req)
		if err != nil {
			return err
		}
		s.putTask(moved)
		entry := s.logBranch(task.BranchId, s.taskNode(task), model.LOG_INFORMATION, "Task reassigned", map[string]any{
			"taskId":   task.Id,
			"from":     task.AssignedToUserId,
			"assignee": moved.AssignedToUserId,
			"reason":   req.Reason,
		})
		entry.Actor = req.Actor
		s.emit(events.Event{Type: events.EVENT_TASK_UPDATED, InstanceId: s.wi.Id, Task: moved})
		return nil
	})
}

func (e *Engine) StartTask(ctx context.Context, taskId string, userId string) (*model.WorkflowTask, error) {
	return e.taskStep(ctx, taskId, func(s *step, task *model.WorkflowTask) error {
		started, err := s.e.assigner.Start(task, userId)
		if err != nil {
			return err
		}
		s.putTask(started)
		entry := s.logBranch(task.BranchId, s.taskNode(task), model.LOG_INFORMATION, "Task started", map[string]any{"taskId": task.Id})
		entry.Actor = userId
		s.emit(events.Event{Type: events.EVENT_TASK_UPDATED, InstanceId: s.wi.Id, Task: started})
		return nil
	})
}

func (e *Engine) GetTask(ctx context.Context, id string) (*model.WorkflowTask, error) {
	return e.store.GetTask(ctx, id)
}

func (e *Engine) ListTasksForUser(ctx context.Context, userId string) ([]*model.WorkflowTask, error) {
	return e.store.ListTasksByAssignee(ctx, userId)
}

func (e *Engine) ListTasksForInstance(ctx context.Context, instanceId string) ([]*model.WorkflowTask, error) {
	return e.store.ListTasksByInstance(ctx, instanceId)
}

// MarkOverdueTasks flags open tasks whose due date passed before now. The
// flag is advisory: the owning instances keep waiting.
func (e *Engine) MarkOverdueTasks(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.ListOpenTasksDueBefore(ctx, now)
	if err != nil {
		return 0, err
	}
	byInstance := make(map[string][]string)
	var order []string
	for _, t := range due {
		if _, ok := byInstance[t.InstanceId]; !ok {
			order = append(order, t.InstanceId)
		}
		byInstance[t.InstanceId] = append(byInstance[t.InstanceId], t.Id)
	}
	marked := 0
	for _, instanceId := range order {
		ids := byInstance[instanceId]
		_, err := e.execute(ctx, instanceId, func(s *step) error {
			var current []*model.WorkflowTask
			for _, id := range ids {
				t, err := s.e.store.GetTask(s.ctx, id)
				if err != nil {
					return err
				}
				current = append(current, t)
			}
			changed := s.e.assigner.MarkOverdue(current, now)
			if len(changed) == 0 {
				s.skip = true
				return nil
			}
			for _, t := range changed {
				s.putTask(t)
				s.logBranch(t.BranchId, s.taskNode(t), model.LOG_WARNING, "Task overdue", map[string]any{
					"taskId":   t.Id,
					"assignee": t.AssignedToUserId,
					"dueDate":  t.DueDate,
				})
				s.emit(events.Event{Type: events.EVENT_TASK_UPDATED, InstanceId: s.wi.Id, Task: t})
			}
			marked += len(changed)
			return nil
		})
		if err != nil {
			logger.Error("error marking overdue tasks", zap.String("instance", instanceId), zap.Error(err))
		}
	}
	return marked, nil
}
