package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ENGINE_SERVICE = "caseflow.v1.Engine"

// EngineServer is the server side of caseflow.v1.Engine. Requests and
// responses are google.protobuf.Struct documents carrying the JSON form of
// the engine's request and result types.
type EngineServer interface {
	CreateInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&Engine_ServiceDesc, srv)
}

func unaryMethod(name string, call func(EngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ENGINE_SERVICE + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var Engine_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ENGINE_SERVICE,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateInstance", EngineServer.CreateInstance),
		unaryMethod("CancelInstance", EngineServer.CancelInstance),
		unaryMethod("CompleteTask", EngineServer.CompleteTask),
		unaryMethod("GetInstance", EngineServer.GetInstance),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "caseflow/v1/engine.proto",
}

type EngineClient struct {
	cc grpc.ClientConnInterface
}

func NewEngineClient(cc grpc.ClientConnInterface) *EngineClient {
	return &EngineClient{cc: cc}
}

func (c *EngineClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ENGINE_SERVICE+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EngineClient) CreateInstance(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CreateInstance", in, opts...)
}

func (c *EngineClient) CancelInstance(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CancelInstance", in, opts...)
}

func (c *EngineClient) CompleteTask(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CompleteTask", in, opts...)
}

func (c *EngineClient) GetInstance(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetInstance", in, opts...)
}
