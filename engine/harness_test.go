package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/assignment"
	"github.com/mohitkumar/caseflow/cluster"
	"github.com/mohitkumar/caseflow/directory"
	"github.com/mohitkumar/caseflow/events"
	"github.com/mohitkumar/caseflow/invocation"
	"github.com/mohitkumar/caseflow/metadata"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/persistence"
	"github.com/mohitkumar/caseflow/persistence/memory"
	"github.com/mohitkumar/caseflow/scheduler"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore fails the next n instance loads.
type flakyStore struct {
	persistence.Store
	failures atomic.Int32
}

func (f *flakyStore) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, api.PersistenceError{Message: "store unavailable"}
	}
	return f.Store.GetInstance(ctx, id)
}

type harness struct {
	ctx       context.Context
	clock     *testClock
	store     persistence.Store
	meta      *metadata.MetadataServiceImpl
	directory *directory.MemoryDirectory
	scheduler *scheduler.Scheduler
	broker    *events.Broker
	engine    *Engine
}

func newHarness(t *testing.T) *harness {
	store := memory.NewStore()
	h := &harness{
		ctx:   context.Background(),
		clock: &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		store: store,
		directory: directory.NewMemoryDirectory(
			model.User{Id: "A", Name: "Ann", Roles: []string{"approver"}},
			model.User{Id: "B", Name: "Ben", Roles: []string{"approver"}, ManagerId: "M"},
			model.User{Id: "M", Name: "Meg", Roles: []string{"manager"}},
			model.User{Id: "u1", Name: "User One"},
			model.User{Id: "u2", Name: "User Two"},
			model.User{Id: "u3", Name: "User Three"},
		),
		broker: events.NewBroker(),
	}
	t.Cleanup(h.broker.Close)
	h.meta = metadata.NewMetadataService(store).WithClock(h.clock.Now)
	h.engine = h.newEngine()
	return h
}

// newEngine builds an engine over the harness store, as a restarted process
// would.
func (h *harness) newEngine() *Engine {
	assigner := assignment.NewService(h.directory, h.store, h.store).WithClock(h.clock.Now)
	h.scheduler = scheduler.NewScheduler(scheduler.NewMemoryQueue(), cluster.NewRing(cluster.RingConfig{}), time.Second).
		WithClock(h.clock.Now)
	e := NewEngine(h.store, metadata.NewMetadataService(h.store), h.meta, assigner,
		invocation.NewInvoker(5*time.Second), h.scheduler, h.broker).
		WithClock(h.clock.Now).
		WithRetryPolicy(invocation.RetryPolicy{InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 1})
	h.scheduler.SetHandler(e.handleJob)
	return e
}

// withFlakyStore rebuilds the engine over a store whose instance loads can be
// made to fail.
func (h *harness) withFlakyStore() *flakyStore {
	f := &flakyStore{Store: h.store}
	h.store = f
	h.engine = h.newEngine()
	return f
}

func (h *harness) deploy(t *testing.T, def *model.WorkflowDefinition) string {
	created, err := h.meta.CreateDefinition(h.ctx, def)
	require.NoError(t, err)
	_, err = h.meta.ActivateDefinition(h.ctx, created.Id, "admin")
	require.NoError(t, err)
	return created.Id
}

func (h *harness) start(t *testing.T, definitionId string, variables map[string]any) *model.WorkflowInstance {
	wi, err := h.engine.CreateInstance(h.ctx, model.CreateInstanceRequest{
		DefinitionId: definitionId,
		Variables:    variables,
		StartedBy:    "tester",
	})
	require.NoError(t, err)
	return wi
}

func (h *harness) instance(t *testing.T, id string) *model.WorkflowInstance {
	wi, err := h.store.GetInstance(h.ctx, id)
	require.NoError(t, err)
	return wi
}

func (h *harness) logs(t *testing.T, id string) []*model.WorkflowInstanceLog {
	logs, err := h.store.ListLogs(h.ctx, id)
	require.NoError(t, err)
	return logs
}

func (h *harness) taskAt(t *testing.T, instanceId string, nodeId string) *model.WorkflowTask {
	tasks, err := h.store.ListTasksByInstance(h.ctx, instanceId)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.NodeId == nodeId {
			return task
		}
	}
	require.FailNow(t, "no task for node", nodeId)
	return nil
}

func (h *harness) complete(t *testing.T, taskId string, result any) {
	_, err := h.engine.CompleteTask(h.ctx, model.CompleteTaskRequest{TaskId: taskId, CompletedBy: "tester", Result: result})
	require.NoError(t, err)
}

func (h *harness) registerService(t *testing.T, name string, url string) {
	_, err := h.meta.SaveServiceConfiguration(h.ctx, &model.ServiceConfiguration{
		Name: name, Endpoint: url, Method: http.MethodPost, Active: true,
	})
	require.NoError(t, err)
}

// serviceServer answers every call with status and body and counts calls.
func serviceServer(t *testing.T, status int, body any) (*httptest.Server, *atomic.Int32) {
	calls := new(atomic.Int32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func serviceWith(t *testing.T, fn func(w http.ResponseWriter)) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fn(w)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func countLevel(logs []*model.WorkflowInstanceLog, level model.LogLevel) int {
	n := 0
	for _, l := range logs {
		if l.Level == level {
			n++
		}
	}
	return n
}

func messages(logs []*model.WorkflowInstanceLog) []string {
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func node(id string, t model.NodeType, cfg model.NodeConfig) model.WorkflowNode {
	return model.WorkflowNode{Id: id, Type: t, Name: id, Config: cfg}
}

func edge(from, to string, cond ...string) model.WorkflowEdge {
	e := model.WorkflowEdge{Id: from + "-" + to, Source: from, Target: to}
	if len(cond) > 0 {
		e.Condition = cond[0]
	}
	return e
}

func manualTask(assignee string) model.TaskNodeConfig {
	return model.TaskNodeConfig{AssignmentType: model.ASSIGNMENT_MANUAL, Assignee: assignee}
}

func approvalDefinition(task model.TaskNodeConfig) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		Name: "approval",
		Nodes: []model.WorkflowNode{
			node("start", model.NODE_TYPE_START, model.StartNodeConfig{}),
			node("approve", model.NODE_TYPE_TASK, task),
			node("decide", model.NODE_TYPE_DECISION, model.DecisionNodeConfig{}),
			node("done", model.NODE_TYPE_END, model.EndNodeConfig{Outcome: "approved"}),
			node("rejected", model.NODE_TYPE_END, model.EndNodeConfig{Outcome: "rejected"}),
		},
		Edges: []model.WorkflowEdge{
			edge("start", "approve"),
			edge("approve", "decide"),
			edge("decide", "done", `result == "approved"`),
			edge("decide", "rejected"),
		},
	}
}

func serviceDefinition(name string, cfg model.ServiceNodeConfig) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		Name: name,
		Nodes: []model.WorkflowNode{
			node("start", model.NODE_TYPE_START, model.StartNodeConfig{}),
			node("call", model.NODE_TYPE_SERVICE, cfg),
			node("done", model.NODE_TYPE_END, model.EndNodeConfig{}),
		},
		Edges: []model.WorkflowEdge{
			edge("start", "call"),
			edge("call", "done"),
		},
	}
}
