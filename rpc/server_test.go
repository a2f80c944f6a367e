package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mohitkumar/caseflow/assignment"
	"github.com/mohitkumar/caseflow/cluster"
	"github.com/mohitkumar/caseflow/directory"
	"github.com/mohitkumar/caseflow/engine"
	"github.com/mohitkumar/caseflow/invocation"
	"github.com/mohitkumar/caseflow/metadata"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/persistence"
	"github.com/mohitkumar/caseflow/persistence/memory"
	"github.com/mohitkumar/caseflow/scheduler"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fixture struct {
	client *EngineClient
	store  persistence.Store
	defId  string
}

func setupTest(t *testing.T) *fixture {
	ctx := context.Background()
	store := memory.NewStore()
	meta := metadata.NewMetadataService(store)
	def, err := meta.CreateDefinition(ctx, &model.WorkflowDefinition{
		Name: "expense",
		Nodes: []model.WorkflowNode{
			{Id: "start", Type: model.NODE_TYPE_START, Config: model.StartNodeConfig{}},
			{Id: "review", Type: model.NODE_TYPE_TASK, Config: model.TaskNodeConfig{AssignmentType: model.ASSIGNMENT_MANUAL, Assignee: "fin"}},
			{Id: "done", Type: model.NODE_TYPE_END, Config: model.EndNodeConfig{}},
		},
		Edges: []model.WorkflowEdge{
			{Id: "e1", Source: "start", Target: "review"},
			{Id: "e2", Source: "review", Target: "done"},
		},
	})
	require.NoError(t, err)
	_, err = meta.ActivateDefinition(ctx, def.Id, "admin")
	require.NoError(t, err)

	assigner := assignment.NewService(directory.NewMemoryDirectory(), store, store)
	sched := scheduler.NewScheduler(scheduler.NewMemoryQueue(), cluster.NewRing(cluster.RingConfig{}), time.Second)
	eng := engine.NewEngine(store, meta, meta, assigner, invocation.NewInvoker(time.Second), sched, nil)

	gsrv, err := NewGrpcServer(&GrpcConfig{Engine: eng})
	require.NoError(t, err)
	lis := bufconn.Listen(1 << 20)
	go func() {
		_ = gsrv.Serve(lis)
	}()
	t.Cleanup(gsrv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &fixture{client: NewEngineClient(conn), store: store, defId: def.Id}
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestEngineService(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, f *fixture){
		"create and complete": func(t *testing.T, f *fixture) {
			ctx := context.Background()
			out, err := f.client.CreateInstance(ctx, mustStruct(t, map[string]any{
				"definitionId": f.defId,
				"variables":    map[string]any{"amount": 250.5},
			}))
			require.NoError(t, err)
			require.Equal(t, "Suspended", out.Fields["status"].GetStringValue())
			id := out.Fields["id"].GetStringValue()

			tasks, err := f.store.ListTasksByInstance(ctx, id)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			task, err := f.client.CompleteTask(ctx, mustStruct(t, map[string]any{
				"taskId":      tasks[0].Id,
				"completedBy": "fin",
				"result":      map[string]any{"approved": true},
			}))
			require.NoError(t, err)
			require.Equal(t, "Completed", task.Fields["status"].GetStringValue())

			wi, err := f.client.GetInstance(ctx, mustStruct(t, map[string]any{"instanceId": id}))
			require.NoError(t, err)
			require.Equal(t, "Completed", wi.Fields["status"].GetStringValue())
			vars := wi.Fields["variables"].GetStructValue().AsMap()
			require.Equal(t, 250.5, vars["amount"])
			require.Equal(t, true, vars["result"].(map[string]any)["approved"])
		},
		"cancel twice is aborted": func(t *testing.T, f *fixture) {
			ctx := context.Background()
			out, err := f.client.CreateInstance(ctx, mustStruct(t, map[string]any{"definitionId": f.defId}))
			require.NoError(t, err)
			req := mustStruct(t, map[string]any{"instanceId": out.Fields["id"].GetStringValue(), "reason": "duplicate"})
			wi, err := f.client.CancelInstance(ctx, req)
			require.NoError(t, err)
			require.Equal(t, "Cancelled", wi.Fields["status"].GetStringValue())
			_, err = f.client.CancelInstance(ctx, req)
			require.Equal(t, codes.Aborted, status.Code(err))
		},
		"errors carry codes": func(t *testing.T, f *fixture) {
			ctx := context.Background()
			_, err := f.client.GetInstance(ctx, mustStruct(t, map[string]any{"instanceId": "missing"}))
			require.Equal(t, codes.NotFound, status.Code(err))
			_, err = f.client.GetInstance(ctx, mustStruct(t, map[string]any{}))
			require.Equal(t, codes.InvalidArgument, status.Code(err))
			_, err = f.client.CreateInstance(ctx, mustStruct(t, map[string]any{"definitionId": f.defId, "variables": "not a map"}))
			require.Equal(t, codes.InvalidArgument, status.Code(err))
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, setupTest(t))
		})
	}
}
