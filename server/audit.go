package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "organchain.AuditService"

const (
	methodGetChain    = "/" + ServiceName + "/GetChain"
	methodVerifyChain = "/" + ServiceName + "/VerifyChain"
	methodRepairChain = "/" + ServiceName + "/RepairChain"
	methodAppend      = "/" + ServiceName + "/Append"
)

// AuditServiceServer is the server side of the audit service. Payloads are
// well-known protobuf types carrying the JSON form of ledger values.
type AuditServiceServer interface {
	// GetChain takes {"decrypt": bool} and returns {"blocks": [...]}.
	GetChain(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// VerifyChain returns a verification report.
	VerifyChain(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// RepairChain returns {"before", "after", "rewritten"}.
	RepairChain(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Append takes a transaction and returns the new block.
	Append(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// AuditServiceDesc is registered with grpc.ServiceRegistrar.RegisterService.
var AuditServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetChain",
			Handler:    unaryHandler(methodGetChain, newStruct, AuditServiceServer.GetChain),
		},
		{
			MethodName: "VerifyChain",
			Handler:    unaryHandler(methodVerifyChain, newEmpty, AuditServiceServer.VerifyChain),
		},
		{
			MethodName: "RepairChain",
			Handler:    unaryHandler(methodRepairChain, newEmpty, AuditServiceServer.RepairChain),
		},
		{
			MethodName: "Append",
			Handler:    unaryHandler(methodAppend, newStruct, AuditServiceServer.Append),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "organchain/audit.proto",
}

// RegisterAuditServiceServer attaches srv to s.
func RegisterAuditServiceServer(s grpc.ServiceRegistrar, srv AuditServiceServer) {
	s.RegisterService(&AuditServiceDesc, srv)
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }

func newEmpty() *emptypb.Empty { return &emptypb.Empty{} }

// unaryHandler adapts a typed method to grpc.MethodHandler, running the
// configured interceptor when there is one.
func unaryHandler[Req proto.Message](
	fullMethod string,
	newRequest func() Req,
	call func(AuditServiceServer, context.Context, Req) (*structpb.Struct, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newRequest()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AuditServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AuditServiceServer), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
