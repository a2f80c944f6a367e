package rest

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mohitkumar/caseflow/assignment"
	"github.com/mohitkumar/caseflow/cluster"
	"github.com/mohitkumar/caseflow/directory"
	"github.com/mohitkumar/caseflow/engine"
	"github.com/mohitkumar/caseflow/events"
	"github.com/mohitkumar/caseflow/invocation"
	"github.com/mohitkumar/caseflow/metadata"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/persistence/memory"
	"github.com/mohitkumar/caseflow/scheduler"
	"github.com/stretchr/testify/require"
)

const leaveRequest = `{
	"name": "leave-request",
	"nodes": [
		{"id": "start", "type": "Start"},
		{"id": "approve", "type": "Task", "name": "Approve leave", "config": {"assignmentType": "Manual", "assignee": "mgr"}},
		{"id": "done", "type": "End", "config": {"outcome": "approved"}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "approve"},
		{"id": "e2", "source": "approve", "target": "done"}
	]
}`

const brokenDefinition = `{
	"name": "broken",
	"nodes": [
		{"id": "start", "type": "Start"},
		{"id": "orphan", "type": "Task", "config": {"assignmentType": "Manual", "assignee": "mgr"}}
	],
	"edges": []
}`

func setupTest(t *testing.T) *httptest.Server {
	store := memory.NewStore()
	meta := metadata.NewMetadataService(store)
	broker := events.NewBroker()
	t.Cleanup(broker.Close)
	assigner := assignment.NewService(directory.NewMemoryDirectory(model.User{Id: "mgr", Name: "Manager"}), store, store)
	sched := scheduler.NewScheduler(scheduler.NewMemoryQueue(), cluster.NewRing(cluster.RingConfig{}), time.Second)
	eng := engine.NewEngine(store, meta, meta, assigner, invocation.NewInvoker(time.Second), sched, broker)
	s, err := NewServer(0, meta, eng, broker)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method string, path string, body string, out any) int {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		if len(raw) > 0 {
			require.NoError(t, json.Unmarshal(raw, out), string(raw))
		}
	}
	return resp.StatusCode
}

func deployLeaveRequest(t *testing.T, srv *httptest.Server) string {
	var def model.WorkflowDefinition
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/definitions", leaveRequest, &def))
	require.Equal(t, model.DEFINITION_DRAFT, def.Status)
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/definitions/"+def.Id+"/activate?actor=admin", "", &def))
	require.Equal(t, model.DEFINITION_ACTIVE, def.Status)
	return def.Id
}

func startInstance(t *testing.T, srv *httptest.Server, defId string) *model.WorkflowInstance {
	var wi model.WorkflowInstance
	body, err := json.Marshal(model.CreateInstanceRequest{DefinitionId: defId, Variables: map[string]any{"days": 3}})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/instances", string(body), &wi))
	return &wi
}

func TestServer(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, srv *httptest.Server){
		"instance runs to completion": func(t *testing.T, srv *httptest.Server) {
			wi := startInstance(t, srv, deployLeaveRequest(t, srv))
			require.Equal(t, model.INSTANCE_SUSPENDED, wi.Status)

			var tasks []*model.WorkflowTask
			require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/tasks?assignee=mgr", "", &tasks))
			require.Len(t, tasks, 1)
			require.Equal(t, "Approve leave", tasks[0].Title)

			var task model.WorkflowTask
			require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/tasks/"+tasks[0].Id+"/complete", `{"completedBy": "mgr", "result": "ok"}`, &task))
			require.Equal(t, model.TASK_COMPLETED, task.Status)

			var got model.WorkflowInstance
			require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/instances/"+wi.Id, "", &got))
			require.Equal(t, model.INSTANCE_COMPLETED, got.Status)
			require.Equal(t, "approved", got.Variables["outcome"])

			var logs []*model.WorkflowInstanceLog
			require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/instances/"+wi.Id+"/logs", "", &logs))
			require.Len(t, logs, 3)

			var errBody map[string]any
			require.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/tasks/"+tasks[0].Id+"/complete", `{"completedBy": "mgr"}`, &errBody))
			require.NotEmpty(t, errBody["error"])

			require.Equal(t, http.StatusNoContent, call(t, srv, http.MethodDelete, "/instances/"+wi.Id, "", nil))
			require.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/instances/"+wi.Id, "", nil))
		},
		"invalid definition cannot be activated": func(t *testing.T, srv *httptest.Server) {
			var def model.WorkflowDefinition
			require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/definitions", brokenDefinition, &def))

			var res struct {
				Valid  bool             `json:"valid"`
				Issues []map[string]any `json:"issues"`
			}
			require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/definitions/"+def.Id+"/validate", "", &res))
			require.False(t, res.Valid)
			require.NotEmpty(t, res.Issues)

			var errBody struct {
				Error  string           `json:"error"`
				Issues []map[string]any `json:"issues"`
			}
			require.Equal(t, http.StatusUnprocessableEntity, call(t, srv, http.MethodPost, "/definitions/"+def.Id+"/activate", "", &errBody))
			require.Len(t, errBody.Issues, len(res.Issues))

			var wi map[string]any
			body := `{"definitionId": "` + def.Id + `"}`
			require.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/instances", body, &wi))
		},
		"errors map to statuses": func(t *testing.T, srv *httptest.Server) {
			require.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/instances/missing", "", nil))
			require.Equal(t, http.StatusNotFound, call(t, srv, http.MethodGet, "/definitions/missing", "", nil))
			require.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/instances", "{not json", nil))
			require.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodGet, "/tasks", "", nil))
			require.Equal(t, http.StatusBadRequest, call(t, srv, http.MethodPost, "/services", `{"name": "kyc"}`, nil))
		},
		"cancel and late callbacks": func(t *testing.T, srv *httptest.Server) {
			wi := startInstance(t, srv, deployLeaveRequest(t, srv))
			var got model.WorkflowInstance
			require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/instances/"+wi.Id+"/cancel", `{"reason": "withdrawn", "cancelledBy": "emp"}`, &got))
			require.Equal(t, model.INSTANCE_CANCELLED, got.Status)
			require.Equal(t, http.StatusConflict, call(t, srv, http.MethodPost, "/instances/"+wi.Id+"/cancel", "", nil))

			var ack map[string]any
			require.Equal(t, http.StatusAccepted, call(t, srv, http.MethodPost, "/instances/"+wi.Id+"/service-responses/req-1", `{"statusCode": 200}`, &ack))
			require.Equal(t, string(model.INSTANCE_CANCELLED), ack["status"])

			var list []*model.WorkflowInstance
			require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/instances?status=Cancelled", "", &list))
			require.Len(t, list, 1)
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, setupTest(t))
		})
	}
}

func TestEventStream(t *testing.T) {
	srv := setupTest(t)
	wi := startInstance(t, srv, deployLeaveRequest(t, srv))
	var tasks []*model.WorkflowTask
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, "/instances/"+wi.Id+"/tasks", "", &tasks))
	require.Len(t, tasks, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/instances/"+wi.Id+"/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, "/tasks/"+tasks[0].Id+"/complete", `{"completedBy": "mgr", "result": "ok"}`, nil))

	var status events.Event
	for status.Type != events.EVENT_INSTANCE_STATUS {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if data, ok := bytes.CutPrefix([]byte(line), []byte("data: ")); ok {
			status = events.Event{}
			require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &status))
		}
	}
	require.Equal(t, wi.Id, status.InstanceId)
	require.Equal(t, model.INSTANCE_COMPLETED, status.Status)
}
