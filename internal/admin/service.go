// Package admin exposes the hub's operator API over gRPC.
//
// Messages are google.protobuf.Struct and Empty, so the service needs no
// generated code. The descriptor below is laid out the way protoc-gen-go-grpc
// lays out its output.
package admin

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "robohub.admin.v1.Admin"

const (
	methodListSessions     = "/" + ServiceName + "/ListSessions"
	methodSendCommand      = "/" + ServiceName + "/SendCommand"
	methodTelemetryHistory = "/" + ServiceName + "/TelemetryHistory"
)

// AdminServer is the server API for the admin service
type AdminServer interface {
	// ListSessions returns {"sessions": [...]} with one entry per live session
	ListSessions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// SendCommand sends {"command", "session"?, "direction"?, "duration"?, "upload_url"?}.
	// Without "session" the command is broadcast.
	SendCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// TelemetryHistory returns {"key", "peer", "samples": [...]} for {"key", "since_ms"?}
	TelemetryHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedAdminServer can be embedded for forward compatibility
type UnimplementedAdminServer struct{}

func (UnimplementedAdminServer) ListSessions(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListSessions not implemented")
}

func (UnimplementedAdminServer) SendCommand(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method SendCommand not implemented")
}

func (UnimplementedAdminServer) TelemetryHistory(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method TelemetryHistory not implemented")
}

// RegisterAdminServer registers srv on s
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

func listSessionsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListSessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListSessions}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).ListSessions(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func sendCommandHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).SendCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSendCommand}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).SendCommand(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func telemetryHistoryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).TelemetryHistory(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodTelemetryHistory}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).TelemetryHistory(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSessions", Handler: listSessionsHandler},
		{MethodName: "SendCommand", Handler: sendCommandHandler},
		{MethodName: "TelemetryHistory", Handler: telemetryHistoryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "robohub/admin/v1/admin.proto",
}
