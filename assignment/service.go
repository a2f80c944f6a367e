package assignment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/directory"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/model"
	"go.uber.org/zap"
)

// WorkloadSource reports committed open-task counts per user.
type WorkloadSource interface {
	GetWorkload(ctx context.Context, userIds []string) (map[string]model.Workload, error)
}

// RotationSource hands out a persisted, monotonically increasing counter per key.
type RotationSource interface {
	NextAssignmentCounter(ctx context.Context, key string) (int64, error)
}

type Service struct {
	directory  directory.Directory
	workloads  WorkloadSource
	rotations  RotationSource
	strategies map[model.AssignmentType]Strategy
	now        func() time.Time
}

func NewService(dir directory.Directory, workloads WorkloadSource, rotations RotationSource) *Service {
	return &Service{
		directory: dir,
		workloads: workloads,
		rotations: rotations,
		strategies: map[model.AssignmentType]Strategy{
			model.ASSIGNMENT_MANUAL:        manualStrategy{},
			model.ASSIGNMENT_AUTOMATIC:     automaticStrategy{directory: dir},
			model.ASSIGNMENT_ROUND_ROBIN:   roundRobinStrategy{},
			model.ASSIGNMENT_LOAD_BALANCED: loadBalancedStrategy{},
			model.ASSIGNMENT_ROLE_BASED:    roleBasedStrategy{directory: dir},
		},
		now: time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RegisterStrategy adds or replaces the strategy used for an assignment type.
func (s *Service) RegisterStrategy(t model.AssignmentType, strategy Strategy) {
	s.strategies[t] = strategy
}

// SelectAssignee resolves the user a new task for req goes to.
func (s *Service) SelectAssignee(ctx context.Context, req Request) (string, error) {
	strategy, ok := s.strategies[req.Config.AssignmentType]
	if !ok {
		return "", assignmentError(req, fmt.Errorf("unknown assignment type %q", req.Config.AssignmentType))
	}
	candidates, err := strategy.Candidates(ctx, req)
	if err != nil {
		return "", assignmentError(req, err)
	}
	candidates = s.eligible(ctx, candidates)
	if len(candidates) == 0 {
		return "", assignmentError(req, fmt.Errorf("no eligible candidates"))
	}
	state, err := s.loadState(ctx, req, candidates)
	if err != nil {
		return "", err
	}
	userId, err := strategy.Choose(candidates, state)
	if err != nil {
		return "", assignmentError(req, err)
	}
	return userId, nil
}

// eligible drops duplicates and users the directory marks as disabled.
// Users unknown to the directory stay eligible.
func (s *Service) eligible(ctx context.Context, candidates []string) []string {
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		if u, err := s.directory.GetUser(ctx, c); err == nil && u.Disabled {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *Service) loadState(ctx context.Context, req Request, candidates []string) (State, error) {
	var state State
	switch req.Config.AssignmentType {
	case model.ASSIGNMENT_ROUND_ROBIN:
		n, err := s.rotations.NextAssignmentCounter(ctx, RotationKey(req))
		if err != nil {
			return state, err
		}
		state.Rotation = n
	case model.ASSIGNMENT_LOAD_BALANCED, model.ASSIGNMENT_ROLE_BASED:
		loads, err := s.workloads.GetWorkload(ctx, candidates)
		if err != nil {
			return state, err
		}
		if loads == nil {
			loads = make(map[string]model.Workload)
		}
		for _, t := range req.Pending {
			if !t.Status.IsActive() {
				continue
			}
			w := loads[t.AssignedToUserId]
			w.UserId = t.AssignedToUserId
			w.Active++
			if t.AssignedAt.After(w.LastAssignedAt) {
				w.LastAssignedAt = t.AssignedAt
			}
			loads[t.AssignedToUserId] = w
		}
		state.Workloads = loads
	}
	return state, nil
}

// RotationKey scopes round robin state to one node of a definition name,
// so a new version picks up where the previous one left off.
func RotationKey(req Request) string {
	scope := req.DefinitionName
	if scope == "" {
		scope = req.DefinitionId
	}
	return scope + "/" + req.Node.Id
}

// CreateTask builds a Pending task for the node, assigned per its strategy.
func (s *Service) CreateTask(ctx context.Context, req Request) (*model.WorkflowTask, error) {
	userId, err := s.SelectAssignee(ctx, req)
	if err != nil {
		return nil, err
	}
	now := s.now()
	cfg := req.Config
	task := &model.WorkflowTask{
		Id:               uuid.NewString(),
		InstanceId:       req.InstanceId,
		NodeId:           req.Node.Id,
		BranchId:         req.BranchId,
		Title:            cfg.Title,
		Description:      cfg.Description,
		Status:           model.TASK_PENDING,
		Priority:         cfg.Priority,
		Assignment:       cfg.AssignmentType,
		AssignedToUserId: userId,
		AssignedTo:       s.displayName(ctx, userId),
		AssignedAt:       now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if task.Title == "" {
		task.Title = req.Node.Name
	}
	if task.Priority == "" {
		task.Priority = model.PRIORITY_NORMAL
	}
	if cfg.DueIn > 0 {
		due := now.Add(cfg.DueIn.Std())
		task.DueDate = &due
	}
	logger.Debug("task created", zap.String("task", task.Id), zap.String("instance", req.InstanceId),
		zap.String("node", req.Node.Id), zap.String("assignee", userId))
	return task, nil
}

func (s *Service) displayName(ctx context.Context, userId string) string {
	if u, err := s.directory.GetUser(ctx, userId); err == nil && u.Name != "" {
		return u.Name
	}
	return userId
}

func (s *Service) checkAssignable(ctx context.Context, task *model.WorkflowTask, userId string) error {
	if task.Status.IsTerminal() {
		return api.ConcurrencyConflict{Entity: "task", Id: task.Id, Message: fmt.Sprintf("task is already %s", task.Status)}
	}
	if userId == "" {
		return api.InvalidRequestError{Message: "user id is required"}
	}
	if u, err := s.directory.GetUser(ctx, userId); err == nil && u.Disabled {
		return api.InvalidRequestError{Message: fmt.Sprintf("user %s is disabled", userId)}
	}
	return nil
}

// Assign sets the assignee and scheduling attributes of an open task.
func (s *Service) Assign(ctx context.Context, task *model.WorkflowTask, req model.AssignTaskRequest) (*model.WorkflowTask, error) {
	if err := s.checkAssignable(ctx, task, req.UserId); err != nil {
		return nil, err
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return nil, api.InvalidRequestError{Message: fmt.Sprintf("unknown priority %q", req.Priority)}
	}
	out := *task
	now := s.now()
	out.History = append(append([]model.TaskHistory(nil), task.History...), model.TaskHistory{
		From: task.AssignedToUserId, To: req.UserId, Reason: "assigned", At: now,
	})
	out.AssignedToUserId = req.UserId
	out.AssignedTo = s.displayName(ctx, req.UserId)
	out.Assignment = model.ASSIGNMENT_MANUAL
	out.AssignedAt = now
	out.UpdatedAt = now
	if req.Notes != "" {
		out.Notes = req.Notes
	}
	if req.DueDate != nil {
		out.DueDate = req.DueDate
	}
	if req.Priority != "" {
		out.Priority = req.Priority
	}
	if out.Status == model.TASK_IN_PROGRESS && req.UserId != task.AssignedToUserId {
		out.Status = model.TASK_PENDING
		out.StartedAt = nil
	}
	return &out, nil
}

// Reassign moves an open task to another user. The handover is kept in the
// history and the task goes back to Pending for the new assignee.
func (s *Service) Reassign(ctx context.Context, task *model.WorkflowTask, req model.ReassignTaskRequest) (*model.WorkflowTask, error) {
	if err := s.checkAssignable(ctx, task, req.NewUserId); err != nil {
		return nil, err
	}
	if req.NewUserId == task.AssignedToUserId {
		return nil, api.InvalidRequestError{Message: fmt.Sprintf("task %s is already assigned to %s", task.Id, req.NewUserId)}
	}
	out := *task
	now := s.now()
	out.History = append(append([]model.TaskHistory(nil), task.History...), model.TaskHistory{
		From: task.AssignedToUserId, To: req.NewUserId, Reason: req.Reason, At: now,
	})
	out.AssignedToUserId = req.NewUserId
	out.AssignedTo = s.displayName(ctx, req.NewUserId)
	out.AssignedAt = now
	out.UpdatedAt = now
	out.Status = model.TASK_PENDING
	out.StartedAt = nil
	if req.NewDueDate != nil {
		out.DueDate = req.NewDueDate
	}
	return &out, nil
}

// Start marks the task as being worked on by its assignee.
func (s *Service) Start(task *model.WorkflowTask, userId string) (*model.WorkflowTask, error) {
	if task.Status.IsTerminal() {
		return nil, api.ConcurrencyConflict{Entity: "task", Id: task.Id, Message: fmt.Sprintf("task is already %s", task.Status)}
	}
	if task.Status == model.TASK_IN_PROGRESS {
		return nil, api.ConcurrencyConflict{Entity: "task", Id: task.Id, Message: "task is already in progress"}
	}
	if userId != task.AssignedToUserId {
		return nil, api.InvalidRequestError{Message: fmt.Sprintf("task %s is assigned to %s, not %s", task.Id, task.AssignedToUserId, userId)}
	}
	out := *task
	now := s.now()
	out.Status = model.TASK_IN_PROGRESS
	out.StartedAt = &now
	out.UpdatedAt = now
	return &out, nil
}

// Complete closes the task with its result. Completing a closed task is a
// conflict so a duplicate callback cannot resume the instance twice.
func (s *Service) Complete(task *model.WorkflowTask, completedBy string, result any) (*model.WorkflowTask, error) {
	if task.Status.IsTerminal() {
		return nil, api.ConcurrencyConflict{Entity: "task", Id: task.Id, Message: fmt.Sprintf("task is already %s", task.Status)}
	}
	out := *task
	now := s.now()
	out.Status = model.TASK_COMPLETED
	out.Result = result
	out.CompletedBy = completedBy
	out.CompletedAt = &now
	out.UpdatedAt = now
	return &out, nil
}

func (s *Service) Cancel(task *model.WorkflowTask, reason string) *model.WorkflowTask {
	if task.Status.IsTerminal() {
		return task
	}
	out := *task
	now := s.now()
	out.Status = model.TASK_CANCELLED
	out.Notes = reason
	out.UpdatedAt = now
	return &out
}

// MarkOverdue flags open tasks whose due date has passed. It returns only
// the tasks it changed.
func (s *Service) MarkOverdue(tasks []*model.WorkflowTask, now time.Time) []*model.WorkflowTask {
	var changed []*model.WorkflowTask
	for _, t := range tasks {
		if t.Status.IsTerminal() || t.Status == model.TASK_OVERDUE || t.DueDate == nil || !t.DueDate.Before(now) {
			continue
		}
		out := *t
		out.Status = model.TASK_OVERDUE
		out.UpdatedAt = now
		changed = append(changed, &out)
	}
	return changed
}
