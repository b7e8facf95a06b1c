package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/liuxiao2015/gamecore/internal/actor"
	"github.com/liuxiao2015/gamecore/internal/errs"
	"github.com/liuxiao2015/gamecore/internal/trace"
)

// Server exposes this node's actor registry over the RemoteActor contract.
// Payloads arrive as raw JSON; handlers on remoted systems receive
// json.RawMessage payloads and decode what they expect.
type Server struct {
	registry *actor.Registry
}

func NewServer(registry *actor.Registry) *Server {
	return &Server{registry: registry}
}

var _ RemoteActorServer = (*Server)(nil)

func (s *Server) system(name string) (*actor.System, error) {
	sys, ok := s.registry.Get(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown actor system %q", name)
	}
	return sys, nil
}

func (s *Server) Tell(ctx context.Context, req *TellRequest) (*TellReply, error) {
	sys, err := s.system(req.System)
	if err != nil {
		return nil, err
	}
	ok := sys.Tell(ctx, req.ActorID, actor.Message{Type: req.Type, Payload: req.Payload})
	return &TellReply{Accepted: ok}, nil
}

func (s *Server) Ask(ctx context.Context, req *AskRequest) (*AskReply, error) {
	sys, err := s.system(req.System)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	value, askErr := sys.Ask(ctx, req.ActorID, actor.Message{Type: req.Type, Payload: req.Payload}, timeout)
	if askErr != nil {
		return &AskReply{Code: errs.CodeOf(askErr), Message: errs.MessageOf(askErr)}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return &AskReply{
			Code:    errs.CodeSystemError,
			Message: fmt.Sprintf("encoding ask result for %s/%s", req.System, req.ActorID),
		}, nil
	}
	return &AskReply{Value: data}, nil
}

func (s *Server) HasActor(_ context.Context, req *HasActorRequest) (*HasActorReply, error) {
	sys, err := s.system(req.System)
	if err != nil {
		return nil, err
	}
	return &HasActorReply{Present: sys.Has(req.ActorID)}, nil
}

func (s *Server) BatchTell(ctx context.Context, req *BatchTellRequest) (*BatchTellReply, error) {
	sys, err := s.system(req.System)
	if err != nil {
		return nil, err
	}
	accepted := 0
	for _, id := range req.ActorIDs {
		if sys.Tell(ctx, id, actor.Message{Type: req.Type, Payload: req.Payload}) {
			accepted++
		}
	}
	return &BatchTellReply{Accepted: accepted}, nil
}

func (s *Server) ListSystems(context.Context, *ListSystemsRequest) (*ListSystemsReply, error) {
	return &ListSystemsReply{Systems: s.registry.Names()}, nil
}

// ListenAndServe binds addr and serves the contract until ctx is cancelled,
// then drains in-flight RPCs with GracefulStop.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves the contract on an existing listener. Split from
// ListenAndServe so tests can bind port 0.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(trace.UnaryServerInterceptor()))
	grpcServer.RegisterService(&ServiceDesc, s)

	go func() {
		<-ctx.Done()
		slog.Info("remote actor server shutting down")
		grpcServer.GracefulStop()
	}()

	slog.Info("remote actor server listening", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving remote actor rpc: %w", err)
	}
	return nil
}
