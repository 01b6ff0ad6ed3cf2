package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/ocr-gateway/internal/worker"
	"github.com/ChuLiYu/ocr-gateway/pkg/types"
)

const (
	ServiceName     = "ocrgateway.v1.BatchService"
	RunBatchMethod  = "/" + ServiceName + "/RunBatch"
	maxMessageBytes = 32 << 20
)

// BatchRunner runs a batch and returns one result per job, in input order.
type BatchRunner interface {
	Run(ctx context.Context, jobs []types.Job, concurrency int) []types.JobResult
}

// BatchService is the RPC surface of the gateway.
type BatchService interface {
	RunBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements BatchService on top of the dispatcher.
type Server struct {
	runner      BatchRunner
	concurrency int
	logger      zerolog.Logger
}

// NewServer creates a gRPC batch server. concurrency <= 0 uses the dispatcher default.
func NewServer(runner BatchRunner, concurrency int, logger zerolog.Logger) *Server {
	return &Server{
		runner:      runner,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Register installs the batch service on a gRPC server.
func Register(server grpc.ServiceRegistrar, svc BatchService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*BatchService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "RunBatch",
				Handler:    runBatchHandler(svc),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "ocrgateway/v1/batch.proto",
	}, svc)
}

// NewGRPCServer builds a gRPC server with the batch and health services registered.
func NewGRPCServer(svc BatchService, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
	}, opts...)
	grpcServer := grpc.NewServer(opts...)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	Register(grpcServer, svc)
	return grpcServer
}

// Serve runs grpcServer on lis until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, grpcServer *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// RunBatch accepts {"images": [{"id", "image_url", "use_ai", "skip_narration"}]}
// and returns {"results": [...]} in the same order.
func (s *Server) RunBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	jobs, err := decodeJobs(req)
	if err != nil {
		if errors.Is(err, worker.ErrEmptyBatch) {
			return nil, status.Error(codes.InvalidArgument, "images must not be empty")
		}
		return nil, status.Errorf(codes.InvalidArgument, "invalid batch: %v", err)
	}

	s.logger.Info().Int("jobs", len(jobs)).Msg("RunBatch received")
	results := s.runner.Run(ctx, jobs, s.concurrency)
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	resp, err := encodeResults(results)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func decodeJobs(req *structpb.Struct) ([]types.Job, error) {
	if req == nil || len(req.GetFields()) == 0 {
		return nil, worker.ErrEmptyBatch
	}
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, err
	}
	return worker.ReadJobs(bytes.NewReader(raw))
}

func encodeResults(results []types.JobResult) (*structpb.Struct, error) {
	raw, err := json.Marshal(results)
	if err != nil {
		return nil, err
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []any{}
	}
	return structpb.NewStruct(map[string]any{"results": items})
}

func decodeResults(resp *structpb.Struct) ([]types.JobResult, error) {
	raw, err := json.Marshal(resp.AsMap()["results"])
	if err != nil {
		return nil, err
	}
	var results []types.JobResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return results, nil
}

func runBatchHandler(svc BatchService) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return svc.RunBatch(ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: RunBatchMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return svc.RunBatch(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}
