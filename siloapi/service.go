// Package siloapi is the silo-to-silo gRPC surface: statistics push, remote directory lookup
// and placement queries.
// Payloads are JSON documents carried in well-known wrapper messages.
package siloapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "graindir.Silo"

	pushStatisticsMethod = "/" + ServiceName + "/PushStatistics"
	lookupMethod         = "/" + ServiceName + "/Lookup"
	statisticsMethod     = "/" + ServiceName + "/Statistics"
	placeMethod          = "/" + ServiceName + "/Place"
)

type SiloServer interface {
	PushStatistics(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Lookup(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Statistics(ctx context.Context, in *emptypb.Empty) (*wrapperspb.BytesValue, error)
	Place(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func RegisterSiloServer(s grpc.ServiceRegistrar, srv SiloServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SiloServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PushStatistics", Handler: pushStatisticsHandler},
		{MethodName: "Lookup", Handler: lookupHandler},
		{MethodName: "Statistics", Handler: statisticsHandler},
		{MethodName: "Place", Handler: placeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "graindir/silo",
}

func pushStatisticsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SiloServer).PushStatistics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushStatisticsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SiloServer).PushStatistics(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func lookupHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SiloServer).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: lookupMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SiloServer).Lookup(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func statisticsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SiloServer).Statistics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statisticsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SiloServer).Statistics(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func placeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SiloServer).Place(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: placeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SiloServer).Place(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
