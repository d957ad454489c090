// Package grpcepoch exposes an epoch.Store over gRPC.
//
// We intentionally use protobuf well-known types so this package does not
// require a protoc/codegen toolchain.
//
// Proto definition (epoch.proto):
//
//	service Epoch {
//	  // Get returns the stored epoch for a name; NOT_FOUND when absent.
//	  rpc Get(google.protobuf.StringValue) returns (google.protobuf.UInt64Value);
//	  // Bump advances the record. The request struct carries "name" and a
//	  // decimal "epoch" string (uint64 does not survive Struct's float64
//	  // number representation).
//	  rpc Bump(google.protobuf.Struct) returns (google.protobuf.BoolValue);
//	}
package grpcepoch

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "zerok.epoch.v1.Epoch"

// EpochServer is the server API for the Epoch gRPC service.
type EpochServer interface {
	Get(context.Context, *wrapperspb.StringValue) (*wrapperspb.UInt64Value, error)
	Bump(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
}

// EpochClient is the client API for the Epoch gRPC service.
type EpochClient interface {
	Get(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error)
	Bump(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
}

type epochClient struct{ cc grpc.ClientConnInterface }

func NewEpochClient(cc grpc.ClientConnInterface) EpochClient { return &epochClient{cc: cc} }

func (c *epochClient) Get(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.UInt64Value, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Get", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *epochClient) Bump(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Bump", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterEpochServer registers the Epoch service on a gRPC server.
func RegisterEpochServer(s grpc.ServiceRegistrar, srv EpochServer) {
	s.RegisterService(&Epoch_ServiceDesc, srv)
}

func _Epoch_Get_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EpochServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EpochServer).Get(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Epoch_Bump_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EpochServer).Bump(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Bump"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EpochServer).Bump(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Epoch_ServiceDesc is the grpc.ServiceDesc for the Epoch service.
var Epoch_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EpochServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: _Epoch_Get_Handler},
		{MethodName: "Bump", Handler: _Epoch_Bump_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "epoch.proto",
}
