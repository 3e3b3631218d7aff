// Package grpcapi exposes the Spine's caller-facing operation set
// (submit, open_island, close_island, verify, tip) as a gRPC service —
// the language-agnostic boundary named in the external interfaces.
//
// Message framing travels over grpc-go's transport using a JSON codec
// (see codec.go) rather than generated protobuf stubs; govspine.proto
// remains the canonical contract for a future protoc-generated client.
package grpcapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/govspine/govspine/internal/spine"
)

// Spine is the subset of *spine.Spine this service drives.
type Spine interface {
	Submit(ctx context.Context, islandID, text string, deadline time.Time) (spine.SubmitResult, error)
	OpenIsland() (string, error)
	CloseIsland(islandID string) error
	VerifyChain(islandID string) (bool, error)
	Tip(islandID string) (string, error)
}

// Server implements the Spine gRPC service.
type Server struct {
	sp  Spine
	log *zap.Logger
}

// NewServer creates a Server wrapping sp.
func NewServer(sp Spine, log *zap.Logger) *Server {
	return &Server{sp: sp, log: log}
}

// Register attaches the Spine service to a *grpc.Server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	var deadline time.Time
	if req.DeadlineUnixMs > 0 {
		deadline = time.UnixMilli(req.DeadlineUnixMs)
	}
	res, err := s.sp.Submit(ctx, req.IslandID, req.Text, deadline)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &SubmitResponse{
		IslandID:       res.IslandID,
		Response:       res.Response,
		DecisionAction: string(res.Decision.Action),
		DecisionReason: res.Decision.Reason,
		RecordID:       res.RecordID,
		Degraded:       res.Degraded,
	}, nil
}

func (s *Server) openIsland(context.Context, *OpenIslandRequest) (*OpenIslandResponse, error) {
	id, err := s.sp.OpenIsland()
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &OpenIslandResponse{IslandID: id}, nil
}

func (s *Server) closeIsland(_ context.Context, req *CloseIslandRequest) (*CloseIslandResponse, error) {
	if err := s.sp.CloseIsland(req.IslandID); err != nil {
		return nil, toGRPCStatus(err)
	}
	return &CloseIslandResponse{}, nil
}

func (s *Server) verifyChain(_ context.Context, req *VerifyChainRequest) (*VerifyChainResponse, error) {
	ok, err := s.sp.VerifyChain(req.IslandID)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &VerifyChainResponse{Valid: ok}, nil
}

func (s *Server) tip(_ context.Context, req *TipRequest) (*TipResponse, error) {
	tip, err := s.sp.Tip(req.IslandID)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &TipResponse{Tip: tip}, nil
}

// toGRPCStatus maps a boundary error's kind to a gRPC status code, so a
// caller on either side of a language boundary can branch on code
// without parsing messages. IslandNotActive, IslandBreakerTripped and
// PolicyRejected map to FailedPrecondition, ChainCorrupted to DataLoss,
// CallerDeadlineExceeded to DeadlineExceeded, DrafterUnavailable to
// Unavailable, and Backpressure to ResourceExhausted.
func toGRPCStatus(err error) error {
	be, ok := spine.AsBoundaryError(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	switch be.Kind() {
	case spine.KindIslandNotActive:
		return status.Error(codes.FailedPrecondition, be.Error())
	case spine.KindIslandBreakerTripped:
		return status.Error(codes.FailedPrecondition, be.Error())
	case spine.KindCallerDeadlineExceeded:
		return status.Error(codes.DeadlineExceeded, be.Error())
	case spine.KindDrafterUnavailable:
		return status.Error(codes.Unavailable, be.Error())
	case spine.KindBackpressure:
		return status.Error(codes.ResourceExhausted, be.Error())
	case spine.KindPolicyRejected:
		return status.Error(codes.FailedPrecondition, be.Error())
	case spine.KindChainCorrupted:
		return status.Error(codes.DataLoss, be.Error())
	default:
		return status.Error(codes.Unknown, be.Error())
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "govspine.v1.Spine",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "OpenIsland", Handler: openIslandHandler},
		{MethodName: "CloseIsland", Handler: closeIslandHandler},
		{MethodName: "VerifyChain", Handler: verifyChainHandler},
		{MethodName: "Tip", Handler: tipHandler},
	},
	Metadata: "govspine.proto",
}

func submitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/govspine.v1.Spine/Submit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func openIslandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(OpenIslandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.openIsland(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/govspine.v1.Spine/OpenIsland"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.openIsland(ctx, req.(*OpenIslandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func closeIslandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CloseIslandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.closeIsland(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/govspine.v1.Spine/CloseIsland"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.closeIsland(ctx, req.(*CloseIslandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func verifyChainHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(VerifyChainRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.verifyChain(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/govspine.v1.Spine/VerifyChain"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.verifyChain(ctx, req.(*VerifyChainRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func tipHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TipRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.tip(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/govspine.v1.Spine/Tip"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.tip(ctx, req.(*TipRequest))
	}
	return interceptor(ctx, in, info, handler)
}
