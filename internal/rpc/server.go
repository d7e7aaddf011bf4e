package rpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// NewServer builds a grpc.Server that logs every unary call.
func NewServer(logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryLogger(logger)))
	return grpc.NewServer(opts...)
}

// UnaryLogger logs method, status code, and duration at debug level, and
// failures at warn.
func UnaryLogger(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		attrs := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
		if err != nil {
			logger.Warn("rpc failed", append(attrs, "error", err)...)
		} else {
			logger.Debug("rpc", attrs...)
		}
		return resp, err
	}
}
