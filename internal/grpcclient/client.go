package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/fuzzysearch/internal/hashing"
	"github.com/example/fuzzysearch/internal/logging"
	"github.com/example/fuzzysearch/pkg/fuzzysearch"
)

// DialHasher returns a ready-to-use hashing client for a remote hasher.
func DialHasher(ctx context.Context, addr string, logger *zap.Logger) (*RemoteHasher, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_hasher", "", err)
		logger.Error("failed to dial hasher", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemoteHasher(conn, logger), conn, nil
}

// RemoteHasher implements hashing.Hasher over gRPC.
type RemoteHasher struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

var _ hashing.Hasher = (*RemoteHasher)(nil)

// NewRemoteHasher wraps an existing connection.
func NewRemoteHasher(conn grpc.ClientConnInterface, logger *zap.Logger) *RemoteHasher {
	return &RemoteHasher{conn: conn, logger: logger}
}

// Hash sends the image to the remote hasher. Images it cannot decode come
// back as *fuzzysearch.DecodeError, like the local hasher.
func (r *RemoteHasher) Hash(ctx context.Context, image []byte) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := r.conn.Invoke(ctx, hashing.HashImageMethod, wrapperspb.Bytes(image), out); err != nil {
		if status.Code(err) == codes.InvalidArgument {
			return 0, &fuzzysearch.DecodeError{Operation: "RemoteHash", Err: err}
		}
		wrapped := logging.NewOperationError("grpcclient.hash_image", "", err)
		r.logger.Error("hasher call failed", zap.Error(wrapped), zap.Int("bytes", len(image)))
		return 0, wrapped
	}
	return out.GetValue(), nil
}
