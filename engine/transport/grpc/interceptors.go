package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stagegraph/flowengine/engine"
)

// LoggingInterceptor logs an RPC's start, duration, and outcome.
// Adapted near-verbatim from coreengine/grpc/interceptors.go's
// LoggingInterceptor, retargeted to engine.Logger.
func LoggingInterceptor(logger engine.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		if err != nil {
			st, _ := status.FromError(err)
			logger.Error("grpc_request_failed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
				"code", st.Code().String(),
				"error", err.Error(),
			)
		} else {
			logger.Debug("grpc_request_completed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
			)
		}
		return resp, err
	}
}

// StreamLoggingInterceptor is LoggingInterceptor's streaming equivalent.
func StreamLoggingInterceptor(logger engine.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		duration := time.Since(start)

		if err != nil {
			st, _ := status.FromError(err)
			logger.Error("grpc_stream_failed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
				"code", st.Code().String(),
				"error", err.Error(),
			)
		} else {
			logger.Debug("grpc_stream_completed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds(),
			)
		}
		return err
	}
}

// RecoveryHandler turns a recovered panic value into an error.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal status carrying the panic
// value.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor recovers a panicking handler and converts it to
// an Internal error instead of crashing the worker-transport process.
func RecoveryInterceptor(logger engine.Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, grpcHandler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return grpcHandler(ctx, req)
	}
}

// StreamRecoveryInterceptor is RecoveryInterceptor's streaming
// equivalent — important here since Dispatch is long-lived per worker
// connection and a single bad WorkItem must not take the stream down
// silently.
func StreamRecoveryInterceptor(logger engine.Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, grpcHandler grpc.StreamHandler) (err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_stream_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return grpcHandler(srv, ss)
	}
}

// ChainUnaryInterceptors composes interceptors so the first listed
// wraps the second, and so on, around handler.
func ChainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			current := chain
			chain = func(ctx context.Context, req any) (any, error) {
				return interceptor(ctx, req, info, current)
			}
		}
		return chain(ctx, req)
	}
}

// ChainStreamInterceptors is ChainUnaryInterceptors' streaming
// equivalent.
func ChainStreamInterceptors(interceptors ...grpc.StreamServerInterceptor) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			current := chain
			chain = func(srv any, ss grpc.ServerStream) error {
				return interceptor(srv, ss, info, current)
			}
		}
		return chain(srv, ss)
	}
}

// ServerOptions returns the standard recovery+logging interceptor
// chain, the recommended way to construct this package's grpc.Server.
// It sets no codec; NewGracefulServer appends grpc.ForceServerCodec
// with the JSON codec.
func ServerOptions(logger engine.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(ChainUnaryInterceptors(
			RecoveryInterceptor(logger, nil),
			LoggingInterceptor(logger),
		)),
		grpc.StreamInterceptor(ChainStreamInterceptors(
			StreamRecoveryInterceptor(logger, nil),
			StreamLoggingInterceptor(logger),
		)),
	}
}
