// Copyright 2025 Meridian Mesh Authors

package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/meridian-mesh/trustfabric/pkg/handshake"
)

// jsonCodec replaces grpc's default protobuf wire codec with plain JSON.
// The Gate's messages are simple value structs with no cross-language
// wire-compatibility requirement (spec §6 names fields, not a .proto
// schema), so JSON keeps the service definition readable without a
// protoc-gen-go code generation step.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ServiceName is the gRPC service name commands are registered under.
const ServiceName = "trustfabric.CommandService"

// RegisterCommandServiceServer registers srv's four RPCs on s.
func RegisterCommandServiceServer(s *grpc.Server, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteUnitCommand", Handler: executeUnitCommandHandler},
		{MethodName: "ExecuteSwarmCommand", Handler: executeSwarmCommandHandler},
		{MethodName: "GetCommandStatus", Handler: getCommandStatusHandler},
		{MethodName: "AbortSwarmCommand", Handler: abortSwarmCommandHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trustfabric/command_service.proto",
}

func executeUnitCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecuteUnitCommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ExecuteUnitCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ExecuteUnitCommand"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).ExecuteUnitCommand(ctx, req.(*ExecuteUnitCommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func executeSwarmCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecuteSwarmCommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).ExecuteSwarmCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ExecuteSwarmCommand"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).ExecuteSwarmCommand(ctx, req.(*ExecuteSwarmCommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getCommandStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetCommandStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).GetCommandStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetCommandStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).GetCommandStatus(ctx, req.(*GetCommandStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func abortSwarmCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AbortSwarmCommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).AbortSwarmCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/AbortSwarmCommand"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).AbortSwarmCommand(ctx, req.(*AbortSwarmCommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// HandshakeServiceName is the gRPC service name the mutual identity
// handshake is registered under.
const HandshakeServiceName = "trustfabric.HandshakeService"

// RegisterHandshakeServiceServer registers srv's two handshake RPCs on s.
func RegisterHandshakeServiceServer(s *grpc.Server, srv *HandshakeServer) {
	s.RegisterService(&handshakeServiceDesc, srv)
}

var handshakeServiceDesc = grpc.ServiceDesc{
	ServiceName: HandshakeServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "InitiateHandshake", Handler: initiateHandshakeHandler},
		{MethodName: "FinalizeHandshake", Handler: finalizeHandshakeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trustfabric/handshake_service.proto",
}

func initiateHandshakeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(handshake.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*HandshakeServer).InitiateHandshake(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + HandshakeServiceName + "/InitiateHandshake"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*HandshakeServer).InitiateHandshake(ctx, req.(*handshake.Request))
	}
	return interceptor(ctx, in, info, handler)
}

func finalizeHandshakeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(FinalizeHandshakeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*HandshakeServer).FinalizeHandshake(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + HandshakeServiceName + "/FinalizeHandshake"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*HandshakeServer).FinalizeHandshake(ctx, req.(*FinalizeHandshakeRequest))
	}
	return interceptor(ctx, in, info, handler)
}
