package grpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/fuzzysearch/internal/hashing"
	"github.com/example/fuzzysearch/internal/metrics"
	"github.com/example/fuzzysearch/pkg/fuzzysearch"
)

const serviceName = "fuzzysearch.v1.Hasher"

// HasherServer is the server side of the hashing service.
type HasherServer interface {
	HashImage(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error)
}

var hasherServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*HasherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "HashImage", Handler: hashImageHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fuzzysearch/v1/hasher.proto",
}

func hashImageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HasherServer).HashImage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: hashing.HashImageMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(HasherServer).HashImage(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterHasherServer attaches the hashing service to s.
func RegisterHasherServer(s *grpc.Server, srv HasherServer) {
	s.RegisterService(&hasherServiceDesc, srv)
}

type hasherService struct {
	hasher hashing.Hasher
	logger *zap.Logger
}

// NewHasherService exposes hasher over gRPC.
func NewHasherService(hasher hashing.Hasher, logger *zap.Logger) HasherServer {
	return &hasherService{hasher: hasher, logger: logger.Named("grpc_hasher")}
}

func (s *hasherService) HashImage(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error) {
	data := in.GetValue()
	if len(data) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image is required")
	}

	hash, err := s.hasher.Hash(ctx, data)
	if err != nil {
		var decodeErr *fuzzysearch.DecodeError
		switch {
		case errors.As(err, &decodeErr):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, status.FromContextError(err).Err()
		default:
			s.logger.Error("hashing failed", zap.Error(err), zap.Int("bytes", len(data)))
			return nil, status.Error(codes.Internal, "hashing failed")
		}
	}
	return wrapperspb.Int64(hash), nil
}

// NewServer builds a gRPC server with the hashing and health services registered.
func NewServer(hasher hashing.Hasher, logger *zap.Logger, maxMessageBytes int) *grpc.Server {
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
	RegisterHasherServer(server, NewHasherService(hasher, logger))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		metrics.GRPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
		logger.Debug("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("elapsed", time.Since(start)),
		)
		return resp, err
	}
}
