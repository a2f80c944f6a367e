package persistence

import (
	"context"
	"sort"
	"time"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
)

const STORAGE_TYPE_MEMORY string = "memory"
const STORAGE_TYPE_REDIS string = "redis"
const STORAGE_TYPE_POSTGRES string = "postgres"
const STORAGE_TYPE_BADGER string = "badger"

type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*model.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error
}

type ServiceConfigStore interface {
	SaveServiceConfiguration(ctx context.Context, cfg *model.ServiceConfiguration) error
	GetServiceConfiguration(ctx context.Context, name string) (*model.ServiceConfiguration, error)
	ListServiceConfigurations(ctx context.Context) ([]*model.ServiceConfiguration, error)
}

type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter model.InstanceFilter) ([]*model.WorkflowInstance, error)
	CountActiveInstances(ctx context.Context, definitionId string) (int, error)
	// DeleteInstance removes the instance with its tasks, logs and service results.
	DeleteInstance(ctx context.Context, id string) error
}

type TaskStore interface {
	GetTask(ctx context.Context, id string) (*model.WorkflowTask, error)
	ListTasksByInstance(ctx context.Context, instanceId string) ([]*model.WorkflowTask, error)
	ListTasksByAssignee(ctx context.Context, userId string) ([]*model.WorkflowTask, error)
	ListOpenTasksDueBefore(ctx context.Context, t time.Time) ([]*model.WorkflowTask, error)
	GetWorkload(ctx context.Context, userIds []string) (map[string]model.Workload, error)
}

type LogStore interface {
	// ListLogs returns the entries of an instance ordered by sequence.
	ListLogs(ctx context.Context, instanceId string) ([]*model.WorkflowInstanceLog, error)
}

type ServiceResultStore interface {
	ListServiceResults(ctx context.Context, instanceId string) ([]*model.ServiceExecutionResult, error)
}

type AssignmentStore interface {
	// NextAssignmentCounter atomically returns the current counter for key and
	// advances it. The first call for a key returns 0.
	NextAssignmentCounter(ctx context.Context, key string) (int64, error)
}

// ChangeSet is everything one dispatch step writes. Stores commit it
// atomically: either every record lands or none does.
type ChangeSet struct {
	Instances      []*model.WorkflowInstance
	Tasks          []*model.WorkflowTask
	Logs           []*model.WorkflowInstanceLog
	ServiceResults []*model.ServiceExecutionResult
}

func (cs *ChangeSet) Empty() bool {
	return len(cs.Instances) == 0 && len(cs.Tasks) == 0 && len(cs.Logs) == 0 && len(cs.ServiceResults) == 0
}

type Store interface {
	DefinitionStore
	ServiceConfigStore
	InstanceStore
	TaskStore
	LogStore
	ServiceResultStore
	AssignmentStore
	// Commit writes cs. Each instance's Version must equal the stored version
	// (0 for a new instance) or the commit fails with api.ConcurrencyConflict.
	// On success the Version of every committed instance is incremented.
	Commit(ctx context.Context, cs *ChangeSet) error
	Close() error
}

// CheckVersion compares the expected and stored version of an instance.
// exists is false when the instance has never been committed.
func CheckVersion(wi *model.WorkflowInstance, stored int64, exists bool) error {
	if !exists && wi.Version == 0 {
		return nil
	}
	if !exists {
		return api.ConcurrencyConflict{Entity: "instance", Id: wi.Id, Message: "instance no longer exists"}
	}
	if stored != wi.Version {
		return api.ConcurrencyConflict{Entity: "instance", Id: wi.Id, Message: "instance was modified concurrently"}
	}
	return nil
}

// BumpVersions is called by stores once a commit is durable.
func BumpVersions(cs *ChangeSet) {
	for _, wi := range cs.Instances {
		wi.Version++
	}
}

// Workloads folds tasks into per-user workloads for the requested users.
func Workloads(userIds []string, tasks []*model.WorkflowTask) map[string]model.Workload {
	want := make(map[string]bool, len(userIds))
	out := make(map[string]model.Workload, len(userIds))
	for _, id := range userIds {
		want[id] = true
		out[id] = model.Workload{UserId: id}
	}
	for _, t := range tasks {
		if !want[t.AssignedToUserId] {
			continue
		}
		w := out[t.AssignedToUserId]
		if t.Status.IsActive() {
			w.Active++
		}
		if t.AssignedAt.After(w.LastAssignedAt) {
			w.LastAssignedAt = t.AssignedAt
		}
		out[t.AssignedToUserId] = w
	}
	return out
}

func SortLogs(logs []*model.WorkflowInstanceLog) {
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Sequence < logs[j].Sequence })
}

func SortResults(results []*model.ServiceExecutionResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].StartedAt.Equal(results[j].StartedAt) {
			return results[i].Attempt < results[j].Attempt
		}
		return results[i].StartedAt.Before(results[j].StartedAt)
	})
}

func SortTasks(tasks []*model.WorkflowTask) {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
}

func SortInstances(list []*model.WorkflowInstance) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
}

func SortDefinitions(list []*model.WorkflowDefinition) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Name == list[j].Name {
			return list[i].Version < list[j].Version
		}
		return list[i].Name < list[j].Name
	})
}

func SortServiceConfigurations(list []*model.ServiceConfiguration) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Name < list[j].Name })
}

// OpenDueBefore reports whether an open task passed its due date before t.
func OpenDueBefore(task *model.WorkflowTask, t time.Time) bool {
	return !task.Status.IsTerminal() && task.Status != model.TASK_OVERDUE && task.DueDate != nil && task.DueDate.Before(t)
}
