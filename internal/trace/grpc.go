package trace

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryClientInterceptor attaches the caller's trace id to outgoing RPC
// metadata, minting one when the context has none.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		id := From(ctx)
		if id == "" {
			id = New()
		}
		ctx = metadata.AppendToOutgoingContext(ctx, MetadataKey, id)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// UnaryServerInterceptor restores the trace id from incoming metadata so
// handler logs on the callee line up with the caller's.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(MetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = With(ctx, vals[0])
			}
		}
		return handler(Ensure(ctx), req)
	}
}
