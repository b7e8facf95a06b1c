package remote

import (
	"context"

	"google.golang.org/grpc"
)

// RemoteActorServer is the server-side contract. Implemented by Server; kept
// as an interface so tests can stub single methods.
type RemoteActorServer interface {
	Tell(ctx context.Context, req *TellRequest) (*TellReply, error)
	Ask(ctx context.Context, req *AskRequest) (*AskReply, error)
	HasActor(ctx context.Context, req *HasActorRequest) (*HasActorReply, error)
	BatchTell(ctx context.Context, req *BatchTellRequest) (*BatchTellReply, error)
	ListSystems(ctx context.Context, req *ListSystemsRequest) (*ListSystemsReply, error)
}

// ServiceDesc wires RemoteActorServer into a grpc.Server. Hand-written: the
// contract is five unary methods over the JSON codec, which does not justify
// a protobuf toolchain.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RemoteActorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Tell", Handler: tellHandler},
		{MethodName: "Ask", Handler: askHandler},
		{MethodName: "HasActor", Handler: hasActorHandler},
		{MethodName: "BatchTell", Handler: batchTellHandler},
		{MethodName: "ListSystems", Handler: listSystemsHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func tellHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TellRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteActorServer).Tell(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Tell"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteActorServer).Tell(ctx, req.(*TellRequest))
	})
}

func askHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteActorServer).Ask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Ask"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteActorServer).Ask(ctx, req.(*AskRequest))
	})
}

func hasActorHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HasActorRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteActorServer).HasActor(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/HasActor"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteActorServer).HasActor(ctx, req.(*HasActorRequest))
	})
}

func batchTellHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BatchTellRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteActorServer).BatchTell(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/BatchTell"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteActorServer).BatchTell(ctx, req.(*BatchTellRequest))
	})
}

func listSystemsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListSystemsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RemoteActorServer).ListSystems(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListSystems"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(RemoteActorServer).ListSystems(ctx, req.(*ListSystemsRequest))
	})
}
