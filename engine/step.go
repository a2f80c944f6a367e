package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/mohitkumar/caseflow/coordinator"
	"github.com/mohitkumar/caseflow/events"
	"github.com/mohitkumar/caseflow/flow"
	"github.com/mohitkumar/caseflow/logger"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/persistence"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// step is one unit of work on an instance. Everything it writes lands in cs
// and is committed together. mu guards the instance while branches advance
// concurrently.
type step struct {
	e       *Engine
	ctx     context.Context
	wi      *model.WorkflowInstance
	flow    *flow.Flow
	cs      *persistence.ChangeSet
	initial model.InstanceStatus
	// skip marks a step with nothing to commit, e.g. a stale trigger.
	skip   bool
	events []events.Event
	after  []func(ctx context.Context)
	tasks  []*model.WorkflowTask
	loaded bool
	mu     sync.Mutex
}

func (e *Engine) newStep(ctx context.Context, wi *model.WorkflowInstance) (*step, error) {
	fl, err := e.flows.GetFlow(ctx, wi.DefinitionId)
	if err != nil {
		return nil, err
	}
	if wi.Variables == nil {
		wi.Variables = map[string]any{}
	}
	return &step{
		e:       e,
		ctx:     ctx,
		wi:      wi,
		flow:    fl,
		cs:      &persistence.ChangeSet{},
		initial: wi.Status,
	}, nil
}

// run advances every active branch until none is runnable. Branches of one
// round advance concurrently; they only release mu around external calls.
func (s *step) run() error {
	for {
		s.mu.Lock()
		var ids []string
		if !s.wi.Status.IsTerminal() {
			for _, b := range s.wi.Branches {
				if b.Status == model.BRANCH_ACTIVE {
					ids = append(ids, b.Id)
				}
			}
		}
		s.mu.Unlock()
		if len(ids) == 0 {
			return nil
		}
		g := new(errgroup.Group)
		for _, id := range ids {
			branchId := id
			g.Go(func() error {
				return s.advance(branchId)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (s *step) advance(branchId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.wi.Status.IsTerminal() {
			return nil
		}
		b := s.wi.Branch(branchId)
		if b == nil || b.Status != model.BRANCH_ACTIVE {
			return nil
		}
		if coordinator.AtJoin(b) {
			s.join(b)
			return nil
		}
		node, err := s.flow.Node(b.NodeId)
		if err != nil {
			s.fail(b, model.WorkflowNode{Id: b.NodeId}, err)
			return nil
		}
		cont, err := s.enter(b, node)
		if err != nil || !cont {
			return err
		}
	}
}

// enter executes the node under the cursor. It reports whether the branch
// moved on and should keep advancing.
func (s *step) enter(b *model.BranchCursor, node model.WorkflowNode) (bool, error) {
	switch cfg := node.Config.(type) {
	case model.StartNodeConfig:
		s.log(b, node, model.LOG_INFORMATION, "Workflow started", map[string]any{"definitionVersion": s.wi.DefinitionVersion})
		return s.moveNext(b, node), nil
	case model.EndNodeConfig:
		s.complete(b, node, cfg)
		return false, nil
	case model.TaskNodeConfig:
		return false, s.enterTask(b, node, cfg)
	case model.DecisionNodeConfig:
		return s.enterDecision(b, node), nil
	case model.ParallelNodeConfig:
		s.enterParallel(b, node)
		return false, nil
	case model.SubProcessNodeConfig:
		return false, s.enterSubProcess(b, node, cfg)
	case model.ServiceNodeConfig:
		return s.enterService(b, node, cfg)
	}
	s.fail(b, node, errUnsupportedNode(node))
	return false, nil
}

// moveNext follows the single outgoing edge of node.
func (s *step) moveNext(b *model.BranchCursor, node model.WorkflowNode) bool {
	edge, err := s.flow.Next(node.Id)
	if err != nil {
		s.fail(b, node, err)
		return false
	}
	b.NodeId = edge.Target
	b.Status = model.BRANCH_ACTIVE
	b.Suspension = nil
	return true
}

func (s *step) suspend(b *model.BranchCursor, susp model.Suspension) {
	b.Status = model.BRANCH_SUSPENDED
	b.Suspension = &susp
}

func (s *step) join(b *model.BranchCursor) {
	branchId, joinNode := b.Id, b.JoinNodeId
	res, err := s.e.coordinator.Join(s.wi, branchId)
	if err != nil {
		s.fail(b, model.WorkflowNode{Id: joinNode}, err)
		return
	}
	node, _ := s.flow.Node(joinNode)
	data := map[string]any{"arrived": res.Arrived, "expected": res.Expected}
	s.logBranch(branchId, node, model.LOG_DEBUG, "Branch reached join", data)
	if res.Continue {
		s.logBranch(res.ParentBranchId, node, model.LOG_INFORMATION, "Branches joined", data)
	}
}

// settle derives the instance status from its cursors.
func (s *step) settle() {
	if !s.wi.Status.IsTerminal() {
		s.wi.RefreshCurrentNodes()
		status := model.INSTANCE_RUNNING
		for _, b := range s.wi.Branches {
			if b.Status == model.BRANCH_SUSPENDED {
				status = model.INSTANCE_SUSPENDED
				break
			}
		}
		s.wi.Status = status
	}
	s.wi.LastActivityAt = s.e.now()
	if s.wi.Status != s.initial {
		s.emit(events.Event{Type: events.EVENT_INSTANCE_STATUS, InstanceId: s.wi.Id, Status: s.wi.Status})
	}
}

// finish publishes the step's events and runs its follow-up work. It is
// called once the step is committed and the instance lock released.
func (s *step) finish() {
	for _, ev := range s.events {
		s.e.publish(s.ctx, ev)
	}
	for _, fn := range s.after {
		fn(s.ctx)
	}
}

func (s *step) emit(ev events.Event) {
	ev.Timestamp = s.e.now()
	s.events = append(s.events, ev)
}

func (s *step) then(fn func(ctx context.Context)) {
	s.after = append(s.after, fn)
}

func (s *step) log(b *model.BranchCursor, node model.WorkflowNode, level model.LogLevel, msg string, data map[string]any) *model.WorkflowInstanceLog {
	branchId := ""
	if b != nil {
		branchId = b.Id
	}
	return s.logBranch(branchId, node, level, msg, data)
}

func (s *step) logBranch(branchId string, node model.WorkflowNode, level model.LogLevel, msg string, data map[string]any) *model.WorkflowInstanceLog {
	s.wi.LogSequence++
	entry := &model.WorkflowInstanceLog{
		Id:         uuid.NewString(),
		InstanceId: s.wi.Id,
		Sequence:   s.wi.LogSequence,
		BranchId:   branchId,
		NodeId:     node.Id,
		NodeName:   node.Name,
		Level:      level,
		Message:    msg,
		Data:       data,
		Timestamp:  s.e.now(),
	}
	s.cs.Logs = append(s.cs.Logs, entry)
	s.emit(events.Event{Type: events.EVENT_LOG_APPENDED, InstanceId: s.wi.Id, Log: entry})
	return entry
}

func (s *step) logError(b *model.BranchCursor, node model.WorkflowNode, level model.LogLevel, msg string, err error, data map[string]any) {
	entry := s.log(b, node, level, msg, data)
	entry.IsError = true
	entry.ErrorDetails = err.Error()
}

// openTasks returns the instance's open tasks as this step sees them.
func (s *step) openTasks() ([]*model.WorkflowTask, error) {
	if !s.loaded {
		tasks, err := s.e.store.ListTasksByInstance(s.ctx, s.wi.Id)
		if err != nil {
			return nil, err
		}
		s.tasks = tasks
		s.loaded = true
	}
	var out []*model.WorkflowTask
	seen := make(map[string]bool)
	for _, t := range s.cs.Tasks {
		seen[t.Id] = true
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	for _, t := range s.tasks {
		if !seen[t.Id] && !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

// putTask adds or replaces a task in the change set.
func (s *step) putTask(t *model.WorkflowTask) {
	for i, existing := range s.cs.Tasks {
		if existing.Id == t.Id {
			s.cs.Tasks[i] = t
			return
		}
	}
	s.cs.Tasks = append(s.cs.Tasks, t)
}

func (s *step) cancelOpenTasks(reason string) {
	open, err := s.openTasks()
	if err != nil {
		// the instance still terminates; tasks left open are rejected on completion
		logger.Error("error loading open tasks", zap.String("instance", s.wi.Id), zap.Error(err))
		return
	}
	for _, t := range open {
		cancelled := s.e.assigner.Cancel(t, reason)
		s.putTask(cancelled)
		s.emit(events.Event{Type: events.EVENT_TASK_UPDATED, InstanceId: s.wi.Id, Task: cancelled})
	}
}

// terminate drops every cursor of an instance that reached a terminal
// state and cancels whatever work they were waiting on.
func (s *step) terminate(reason string) {
	s.cancelOpenTasks(reason)
	now := s.e.now()
	s.wi.CompletedAt = &now
	for _, b := range s.e.coordinator.Abandon(s.wi) {
		if b.Suspension != nil && b.Suspension.Reason == model.AWAITING_CHILD {
			childId := b.Suspension.ChildInstanceId
			s.then(func(ctx context.Context) {
				s.e.cancelChild(ctx, childId, reason)
			})
		}
	}
}

func (s *step) complete(b *model.BranchCursor, node model.WorkflowNode, cfg model.EndNodeConfig) {
	data := map[string]any{}
	if cfg.Outcome != "" {
		s.wi.Variables["outcome"] = cfg.Outcome
		data["outcome"] = cfg.Outcome
	}
	s.wi.Status = model.INSTANCE_COMPLETED
	s.log(b, node, model.LOG_INFORMATION, "Workflow completed", data)
	s.terminate("workflow completed")
	s.wi.CurrentNodeIds = []string{node.Id}
	s.resumeParent()
}

// fail moves the instance to Failed. It is the single exit for every
// unrecoverable error of a step.
func (s *step) fail(b *model.BranchCursor, node model.WorkflowNode, err error) {
	if s.wi.Status.IsTerminal() {
		return
	}
	logger.Error("workflow instance failed", zap.String("instance", s.wi.Id), zap.String("node", node.Id), zap.Error(err))
	s.wi.Status = model.INSTANCE_FAILED
	s.wi.ErrorMessage = err.Error()
	s.logError(b, node, model.LOG_CRITICAL, "Workflow failed", err, map[string]any{"errorType": errorType(err)})
	s.terminate("workflow failed")
	if node.Id != "" {
		s.wi.CurrentNodeIds = []string{node.Id}
	}
	s.resumeParent()
}

// resumeParent hands a terminal child back to the instance waiting on it.
func (s *step) resumeParent() {
	if s.wi.ParentInstanceId == "" {
		return
	}
	child := s.wi
	s.then(func(ctx context.Context) {
		if err := s.e.childFinished(ctx, child); err != nil {
			logger.Error("error resuming parent instance", zap.String("instance", child.ParentInstanceId),
				zap.String("child", child.Id), zap.Error(err))
		}
	})
}
