package memory

import (
	"context"
	"sync"
	"time"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/persistence"
	"github.com/mohitkumar/caseflow/util"
)

var _ persistence.Store = new(memoryStore)

// memoryStore keeps every record in maps and hands out deep copies, so
// callers never share state with the store.
type memoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*model.WorkflowDefinition
	services    map[string]*model.ServiceConfiguration
	instances   map[string]*model.WorkflowInstance
	tasks       map[string]*model.WorkflowTask
	logs        map[string][]*model.WorkflowInstanceLog
	results     map[string][]*model.ServiceExecutionResult
	counters    map[string]int64
}

func NewStore() *memoryStore {
	return &memoryStore{
		definitions: make(map[string]*model.WorkflowDefinition),
		services:    make(map[string]*model.ServiceConfiguration),
		instances:   make(map[string]*model.WorkflowInstance),
		tasks:       make(map[string]*model.WorkflowTask),
		logs:        make(map[string][]*model.WorkflowInstanceLog),
		results:     make(map[string][]*model.ServiceExecutionResult),
		counters:    make(map[string]int64),
	}
}

// clone fails for values JSON cannot carry, such as NaN.
func clone[T any](v *T) (*T, error) {
	out, err := util.Clone(*v)
	if err != nil {
		return nil, api.PersistenceError{Message: err.Error()}
	}
	return &out, nil
}

func cloneAll[T any](in []*T) ([]*T, error) {
	out := make([]*T, 0, len(in))
	for _, v := range in {
		c, err := clone(v)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *memoryStore) SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := clone(def)
	if err != nil {
		return err
	}
	m.definitions[def.Id] = c
	return nil
}

func (m *memoryStore) GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[id]
	if !ok {
		return nil, api.NotFoundError{Entity: "definition", Id: id}
	}
	return clone(def)
}

func (m *memoryStore) ListDefinitions(ctx context.Context) ([]*model.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.WorkflowDefinition, 0, len(m.definitions))
	for _, def := range m.definitions {
		c, err := clone(def)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	persistence.SortDefinitions(out)
	return out, nil
}

func (m *memoryStore) DeleteDefinition(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[id]; !ok {
		return api.NotFoundError{Entity: "definition", Id: id}
	}
	delete(m.definitions, id)
	return nil
}

func (m *memoryStore) SaveServiceConfiguration(ctx context.Context, cfg *model.ServiceConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := clone(cfg)
	if err != nil {
		return err
	}
	m.services[cfg.Name] = c
	return nil
}

func (m *memoryStore) GetServiceConfiguration(ctx context.Context, name string) (*model.ServiceConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.services[name]
	if !ok {
		return nil, api.NotFoundError{Entity: "service configuration", Id: name}
	}
	return clone(cfg)
}

func (m *memoryStore) ListServiceConfigurations(ctx context.Context) ([]*model.ServiceConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.ServiceConfiguration, 0, len(m.services))
	for _, cfg := range m.services {
		c, err := clone(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	persistence.SortServiceConfigurations(out)
	return out, nil
}

func (m *memoryStore) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wi, ok := m.instances[id]
	if !ok {
		return nil, api.NotFoundError{Entity: "instance", Id: id}
	}
	return clone(wi)
}

func (m *memoryStore) ListInstances(ctx context.Context, filter model.InstanceFilter) ([]*model.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.WorkflowInstance
	for _, wi := range m.instances {
		if !filter.Match(wi) {
			continue
		}
		c, err := clone(wi)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	persistence.SortInstances(out)
	return out, nil
}

func (m *memoryStore) CountActiveInstances(ctx context.Context, definitionId string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, wi := range m.instances {
		if wi.DefinitionId == definitionId && !wi.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) DeleteInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return api.NotFoundError{Entity: "instance", Id: id}
	}
	delete(m.instances, id)
	delete(m.logs, id)
	delete(m.results, id)
	for taskId, t := range m.tasks {
		if t.InstanceId == id {
			delete(m.tasks, taskId)
		}
	}
	return nil
}

func (m *memoryStore) GetTask(ctx context.Context, id string) (*model.WorkflowTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, api.NotFoundError{Entity: "task", Id: id}
	}
	return clone(t)
}

func (m *memoryStore) filterTasks(keep func(*model.WorkflowTask) bool) ([]*model.WorkflowTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.WorkflowTask
	for _, t := range m.tasks {
		if !keep(t) {
			continue
		}
		c, err := clone(t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	persistence.SortTasks(out)
	return out, nil
}

func (m *memoryStore) ListTasksByInstance(ctx context.Context, instanceId string) ([]*model.WorkflowTask, error) {
	return m.filterTasks(func(t *model.WorkflowTask) bool { return t.InstanceId == instanceId })
}

func (m *memoryStore) ListTasksByAssignee(ctx context.Context, userId string) ([]*model.WorkflowTask, error) {
	return m.filterTasks(func(t *model.WorkflowTask) bool { return t.AssignedToUserId == userId })
}

func (m *memoryStore) ListOpenTasksDueBefore(ctx context.Context, at time.Time) ([]*model.WorkflowTask, error) {
	return m.filterTasks(func(t *model.WorkflowTask) bool { return persistence.OpenDueBefore(t, at) })
}

func (m *memoryStore) GetWorkload(ctx context.Context, userIds []string) (map[string]model.Workload, error) {
	want := make(map[string]bool, len(userIds))
	for _, id := range userIds {
		want[id] = true
	}
	tasks, err := m.filterTasks(func(t *model.WorkflowTask) bool { return want[t.AssignedToUserId] })
	if err != nil {
		return nil, err
	}
	return persistence.Workloads(userIds, tasks), nil
}

func (m *memoryStore) ListLogs(ctx context.Context, instanceId string) ([]*model.WorkflowInstanceLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, err := cloneAll(m.logs[instanceId])
	if err != nil {
		return nil, err
	}
	persistence.SortLogs(out)
	return out, nil
}

func (m *memoryStore) ListServiceResults(ctx context.Context, instanceId string) ([]*model.ServiceExecutionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out, err := cloneAll(m.results[instanceId])
	if err != nil {
		return nil, err
	}
	persistence.SortResults(out)
	return out, nil
}

func (m *memoryStore) NextAssignmentCounter(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counters[key]
	m.counters[key] = n + 1
	return n, nil
}

func (m *memoryStore) Commit(ctx context.Context, cs *persistence.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wi := range cs.Instances {
		var stored int64
		cur, exists := m.instances[wi.Id]
		if exists {
			stored = cur.Version
		}
		if err := persistence.CheckVersion(wi, stored, exists); err != nil {
			return err
		}
	}
	// copy everything before touching the maps so a bad record leaves the store as it was
	instances, err := cloneAll(cs.Instances)
	if err != nil {
		return err
	}
	tasks, err := cloneAll(cs.Tasks)
	if err != nil {
		return err
	}
	logs, err := cloneAll(cs.Logs)
	if err != nil {
		return err
	}
	results, err := cloneAll(cs.ServiceResults)
	if err != nil {
		return err
	}
	persistence.BumpVersions(cs)
	for i, wi := range instances {
		wi.Version = cs.Instances[i].Version
		m.instances[wi.Id] = wi
	}
	for _, t := range tasks {
		m.tasks[t.Id] = t
	}
	for _, l := range logs {
		m.logs[l.InstanceId] = append(m.logs[l.InstanceId], l)
	}
	for _, r := range results {
		m.results[r.InstanceId] = append(m.results[r.InstanceId], r)
	}
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}
