package middleware

import (
	"context"

	"google.golang.org/grpc"

	flowtrace "github.com/flowtrace/flowtrace-go"
)

// UnaryServer traces every unary RPC as its own trace named after the full
// method. Handler errors mark the trace ERROR; the RPC result is returned
// untouched.
func UnaryServer(tracer *flowtrace.Tracer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := tracer.StartSpan(ctx, info.FullMethod,
			flowtrace.WithAttribute("rpc.system", "grpc"),
			flowtrace.WithAttribute("rpc.method", info.FullMethod),
		)

		resp, err := handler(ctx, req)

		if err != nil {
			_ = tracer.EndSpan(ctx, span.ID(), flowtrace.WithError(err))
		} else {
			_ = tracer.EndSpan(ctx, span.ID())
		}
		return resp, err
	}
}
