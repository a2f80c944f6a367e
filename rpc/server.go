package rpc

import (
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/mohitkumar/caseflow/engine"
	"go.opencensus.io/plugin/ocgrpc"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type GrpcConfig struct {
	Engine *engine.Engine
	// SampleTraces turns on trace sampling for every request.
	SampleTraces bool
}

type grpcServer struct {
	*GrpcConfig
}

// callLevel keeps caller mistakes out of the error log.
func callLevel(code codes.Code) zapcore.Level {
	switch code {
	case codes.OK, codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition, codes.Aborted:
		return zapcore.InfoLevel
	case codes.Unavailable:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func NewGrpcServer(config *GrpcConfig) (*grpc.Server, error) {
	log := zap.L().Named("engine-rpc")
	zapOpts := []grpc_zap.Option{
		grpc_zap.WithLevels(callLevel),
		grpc_zap.WithDurationField(func(d time.Duration) zapcore.Field {
			return zap.Int64("grpc.time_ns", d.Nanoseconds())
		}),
	}
	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p any) error {
			log.Error("panic in engine call", zap.Any("panic", p))
			return status.Errorf(codes.Internal, "internal error")
		}),
	}
	if config.SampleTraces {
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})
	}
	if err := view.Register(ocgrpc.DefaultServerViews...); err != nil {
		return nil, err
	}
	gsrv := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_zap.UnaryServerInterceptor(log, zapOpts...),
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
		)),
		grpc.StatsHandler(&ocgrpc.ServerHandler{}),
	)
	RegisterEngineServer(gsrv, &grpcServer{GrpcConfig: config})
	return gsrv, nil
}
