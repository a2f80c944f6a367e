// Package storetest holds the behaviour every persistence.Store must share.
package storetest

import (
	"context"
	"testing"
	"time"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/persistence"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Run exercises store with every scenario. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) persistence.Store) {
	for scenario, fn := range map[string]func(t *testing.T, store persistence.Store){
		"definitions":           testDefinitions,
		"service configuration": testServiceConfigurations,
		"commit and version":    testCommitVersion,
		"tasks and workload":    testTasks,
		"logs and results":      testLogsAndResults,
		"assignment counter":    testCounter,
		"instance queries":      testInstanceQueries,
		"delete cascades":       testDeleteInstance,
	} {
		t.Run(scenario, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			fn(t, store)
		})
	}
}

func definition(id, name string, version int) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		Id:      id,
		Name:    name,
		Version: version,
		Status:  model.DEFINITION_DRAFT,
		Nodes: []model.WorkflowNode{
			{Id: "start", Type: model.NODE_TYPE_START, Name: "Start", Config: model.StartNodeConfig{}},
			{Id: "approve", Type: model.NODE_TYPE_TASK, Name: "Approve", Config: model.TaskNodeConfig{
				Title: "Approve", AssignmentType: model.ASSIGNMENT_MANUAL, Assignee: "alice",
				DueIn: model.Duration(48 * time.Hour),
			}},
			{Id: "end", Type: model.NODE_TYPE_END, Name: "End", Config: model.EndNodeConfig{}},
		},
		Edges: []model.WorkflowEdge{
			{Id: "e1", Source: "start", Target: "approve"},
			{Id: "e2", Source: "approve", Target: "end"},
		},
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
}

func instance(id, defId string, status model.InstanceStatus, startedAt time.Time) *model.WorkflowInstance {
	return &model.WorkflowInstance{
		Id:           id,
		DefinitionId: defId,
		Status:       status,
		Branches:     []model.BranchCursor{{Id: model.ROOT_BRANCH, NodeId: "approve", Status: model.BRANCH_SUSPENDED}},
		Variables:    map[string]any{"amount": 120.5, "customer": map[string]any{"id": "c-1"}},
		StartedAt:    startedAt,
	}
}

func task(id, instanceId, userId string, status model.TaskStatus, assignedAt time.Time) *model.WorkflowTask {
	return &model.WorkflowTask{
		Id:               id,
		InstanceId:       instanceId,
		NodeId:           "approve",
		Status:           status,
		Priority:         model.PRIORITY_NORMAL,
		AssignedToUserId: userId,
		AssignedAt:       assignedAt,
		CreatedAt:        assignedAt,
		UpdatedAt:        assignedAt,
	}
}

func testDefinitions(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	_, err := store.GetDefinition(ctx, "missing")
	require.True(t, api.IsNotFound(err))

	require.NoError(t, store.SaveDefinition(ctx, definition("d2", "leave", 2)))
	require.NoError(t, store.SaveDefinition(ctx, definition("d1", "leave", 1)))
	require.NoError(t, store.SaveDefinition(ctx, definition("d3", "expense", 1)))

	got, err := store.GetDefinition(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, "leave", got.Name)
	require.Len(t, got.Nodes, 3)
	cfg, ok := got.Nodes[1].Config.(model.TaskNodeConfig)
	require.True(t, ok)
	require.Equal(t, "alice", cfg.Assignee)
	require.Equal(t, 48*time.Hour, cfg.DueIn.Std())

	list, err := store.ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, []string{"d3", "d1", "d2"}, []string{list[0].Id, list[1].Id, list[2].Id})

	require.NoError(t, store.DeleteDefinition(ctx, "d1"))
	_, err = store.GetDefinition(ctx, "d1")
	require.True(t, api.IsNotFound(err))
}

func testServiceConfigurations(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	_, err := store.GetServiceConfiguration(ctx, "crm")
	require.True(t, api.IsNotFound(err))
	for _, name := range []string{"crm", "billing"} {
		require.NoError(t, store.SaveServiceConfiguration(ctx, &model.ServiceConfiguration{
			Name: name, Endpoint: "http://localhost/" + name, Method: "POST", Active: true,
			Auth: &model.AuthDescriptor{Type: model.AUTH_BEARER, Token: "t"},
		}))
	}
	cfg, err := store.GetServiceConfiguration(ctx, "crm")
	require.NoError(t, err)
	require.Equal(t, model.AUTH_BEARER, cfg.Auth.Type)
	list, err := store.ListServiceConfigurations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "billing", list[0].Name)
}

func testCommitVersion(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	wi := instance("i1", "d1", model.INSTANCE_RUNNING, epoch)
	require.NoError(t, store.Commit(ctx, &persistence.ChangeSet{Instances: []*model.WorkflowInstance{wi}}))
	require.Equal(t, int64(1), wi.Version)

	first, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)
	second, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Version)
	require.Equal(t, 120.5, first.Variables["amount"])

	first.Status = model.INSTANCE_SUSPENDED
	require.NoError(t, store.Commit(ctx, &persistence.ChangeSet{Instances: []*model.WorkflowInstance{first}}))
	require.Equal(t, int64(2), first.Version)

	second.Status = model.INSTANCE_CANCELLED
	err = store.Commit(ctx, &persistence.ChangeSet{
		Instances: []*model.WorkflowInstance{second},
		Logs:      []*model.WorkflowInstanceLog{{Id: "l-lost", InstanceId: "i1", Sequence: 1, Level: model.LOG_INFORMATION, Message: "lost"}},
	})
	require.True(t, api.IsConcurrencyConflict(err))

	got, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)
	require.Equal(t, model.INSTANCE_SUSPENDED, got.Status)
	logs, err := store.ListLogs(ctx, "i1")
	require.NoError(t, err)
	require.Empty(t, logs)

	stale := instance("i2", "d1", model.INSTANCE_RUNNING, epoch)
	stale.Version = 3
	err = store.Commit(ctx, &persistence.ChangeSet{Instances: []*model.WorkflowInstance{stale}})
	require.True(t, api.IsConcurrencyConflict(err))
}

func testTasks(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	due := epoch.Add(time.Hour)
	t1 := task("t1", "i1", "alice", model.TASK_PENDING, epoch)
	t1.DueDate = &due
	t2 := task("t2", "i1", "alice", model.TASK_COMPLETED, epoch.Add(time.Minute))
	t3 := task("t3", "i2", "bob", model.TASK_IN_PROGRESS, epoch.Add(2*time.Minute))
	t4 := task("t4", "i2", "alice", model.TASK_REASSIGNED, epoch.Add(3*time.Minute))
	require.NoError(t, store.Commit(ctx, &persistence.ChangeSet{Tasks: []*model.WorkflowTask{t1, t2, t3, t4}}))

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, model.TASK_PENDING, got.Status)
	require.Equal(t, due.Unix(), got.DueDate.Unix())
	_, err = store.GetTask(ctx, "missing")
	require.True(t, api.IsNotFound(err))

	byInstance, err := store.ListTasksByInstance(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, byInstance, 2)
	require.Equal(t, "t1", byInstance[0].Id)

	byUser, err := store.ListTasksByAssignee(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byUser, 3)

	dueTasks, err := store.ListOpenTasksDueBefore(ctx, epoch.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, dueTasks, 1)
	require.Equal(t, "t1", dueTasks[0].Id)
	dueTasks, err = store.ListOpenTasksDueBefore(ctx, epoch)
	require.NoError(t, err)
	require.Empty(t, dueTasks)

	loads, err := store.GetWorkload(ctx, []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	require.Equal(t, 2, loads["alice"].Active)
	require.Equal(t, epoch.Add(3*time.Minute).Unix(), loads["alice"].LastAssignedAt.Unix())
	require.Equal(t, 1, loads["bob"].Active)
	require.Equal(t, 0, loads["carol"].Active)

	t1.Status = model.TASK_COMPLETED
	require.NoError(t, store.Commit(ctx, &persistence.ChangeSet{Tasks: []*model.WorkflowTask{t1}}))
	loads, err = store.GetWorkload(ctx, []string{"alice"})
	require.NoError(t, err)
	require.Equal(t, 1, loads["alice"].Active)
}

func testLogsAndResults(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	wi := instance("i1", "d1", model.INSTANCE_RUNNING, epoch)
	var logs []*model.WorkflowInstanceLog
	for _, seq := range []int64{2, 1, 3} {
		logs = append(logs, &model.WorkflowInstanceLog{
			Id: "l" + string(rune('0'+seq)), InstanceId: "i1", Sequence: seq, Level: model.LOG_INFORMATION,
			Message: "entry", Timestamp: epoch,
		})
	}
	results := []*model.ServiceExecutionResult{
		{Id: "r2", InstanceId: "i1", NodeId: "call", Attempt: 2, StartedAt: epoch.Add(time.Second), Success: true},
		{Id: "r1", InstanceId: "i1", NodeId: "call", Attempt: 1, StartedAt: epoch, ErrorMessage: "boom"},
	}
	require.NoError(t, store.Commit(ctx, &persistence.ChangeSet{
		Instances:      []*model.WorkflowInstance{wi},
		Logs:           logs,
		ServiceResults: results,
	}))
	got, err := store.ListLogs(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, l := range got {
		require.Equal(t, int64(i+1), l.Sequence)
	}
	rows, err := store.ListServiceResults(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "r1", rows[0].Id)
	require.Equal(t, "boom", rows[0].ErrorMessage)
	require.True(t, rows[1].Success)
}

func testCounter(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	for want := int64(0); want < 3; want++ {
		n, err := store.NextAssignmentCounter(ctx, "d1/approve")
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
	n, err := store.NextAssignmentCounter(ctx, "d1/review")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func testInstanceQueries(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	a := instance("a", "d1", model.INSTANCE_RUNNING, epoch)
	a.ApplicationId = "case-1"
	b := instance("b", "d1", model.INSTANCE_COMPLETED, epoch.Add(time.Minute))
	c := instance("c", "d2", model.INSTANCE_SUSPENDED, epoch.Add(2*time.Minute))
	require.NoError(t, store.Commit(ctx, &persistence.ChangeSet{Instances: []*model.WorkflowInstance{a, b, c}}))

	all, err := store.ListInstances(ctx, model.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].Id)

	byDef, err := store.ListInstances(ctx, model.InstanceFilter{DefinitionId: "d1"})
	require.NoError(t, err)
	require.Len(t, byDef, 2)

	byApp, err := store.ListInstances(ctx, model.InstanceFilter{ApplicationId: "case-1"})
	require.NoError(t, err)
	require.Len(t, byApp, 1)

	byStatus, err := store.ListInstances(ctx, model.InstanceFilter{Status: model.INSTANCE_SUSPENDED})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, "c", byStatus[0].Id)

	n, err := store.CountActiveInstances(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = store.CountActiveInstances(ctx, "d3")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func testDeleteInstance(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	wi := instance("i1", "d1", model.INSTANCE_COMPLETED, epoch)
	require.NoError(t, store.Commit(ctx, &persistence.ChangeSet{
		Instances:      []*model.WorkflowInstance{wi},
		Tasks:          []*model.WorkflowTask{task("t1", "i1", "alice", model.TASK_COMPLETED, epoch)},
		Logs:           []*model.WorkflowInstanceLog{{Id: "l1", InstanceId: "i1", Sequence: 1, Level: model.LOG_INFORMATION, Message: "done"}},
		ServiceResults: []*model.ServiceExecutionResult{{Id: "r1", InstanceId: "i1", NodeId: "call", Attempt: 1, StartedAt: epoch}},
	}))
	require.NoError(t, store.DeleteInstance(ctx, "i1"))
	_, err := store.GetInstance(ctx, "i1")
	require.True(t, api.IsNotFound(err))
	_, err = store.GetTask(ctx, "t1")
	require.True(t, api.IsNotFound(err))
	logs, err := store.ListLogs(ctx, "i1")
	require.NoError(t, err)
	require.Empty(t, logs)
	rows, err := store.ListServiceResults(ctx, "i1")
	require.NoError(t, err)
	require.Empty(t, rows)
	require.True(t, api.IsNotFound(store.DeleteInstance(ctx, "i1")))
}
