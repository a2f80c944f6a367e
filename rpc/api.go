package rpc

import (
	"context"

	api "github.com/mohitkumar/caseflow/api/v1"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/util"
	"google.golang.org/protobuf/types/known/structpb"
)

var _ EngineServer = (*grpcServer)(nil)

type instanceRef struct {
	InstanceId string `json:"instanceId"`
}

func decodeRequest[T any](in *structpb.Struct) (T, error) {
	req, err := util.FromStruct[T](in)
	if err != nil {
		return req, api.InvalidRequestError{Message: err.Error()}
	}
	return req, nil
}

func (srv *grpcServer) CreateInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest[model.CreateInstanceRequest](in)
	if err != nil {
		return nil, err
	}
	wi, err := srv.Engine.CreateInstance(ctx, req)
	if err != nil {
		return nil, err
	}
	return util.ToStruct(wi)
}

func (srv *grpcServer) CancelInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest[model.CancelInstanceRequest](in)
	if err != nil {
		return nil, err
	}
	wi, err := srv.Engine.CancelInstance(ctx, req)
	if err != nil {
		return nil, err
	}
	return util.ToStruct(wi)
}

func (srv *grpcServer) CompleteTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest[model.CompleteTaskRequest](in)
	if err != nil {
		return nil, err
	}
	task, err := srv.Engine.CompleteTask(ctx, req)
	if err != nil {
		return nil, err
	}
	return util.ToStruct(task)
}

func (srv *grpcServer) GetInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := decodeRequest[instanceRef](in)
	if err != nil {
		return nil, err
	}
	if ref.InstanceId == "" {
		return nil, api.InvalidRequestError{Message: "instanceId is required"}
	}
	wi, err := srv.Engine.GetInstance(ctx, ref.InstanceId)
	if err != nil {
		return nil, err
	}
	return util.ToStruct(wi)
}
