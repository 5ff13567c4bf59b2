package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/fieldsync/internal/convert"
)

// EntitiesServer is the server side of fieldsync.v1.Entities. Every message is
// a google.protobuf.Struct; see package convert for the field layout.
type EntitiesServer interface {
	Create(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindByNaturalKey(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structCall func(EntitiesServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(call structCall, fullMethod string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if ic == nil {
			return call(srv.(EntitiesServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(EntitiesServer), ctx, req.(*structpb.Struct))
		})
	}
}

// EntitiesServiceDesc describes fieldsync.v1.Entities for grpc.Server.RegisterService.
var EntitiesServiceDesc = grpc.ServiceDesc{
	ServiceName: convert.ServiceName,
	HandlerType: (*EntitiesServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unary(EntitiesServer.Create, convert.MethodCreate)},
		{MethodName: "Get", Handler: unary(EntitiesServer.Get, convert.MethodGet)},
		{MethodName: "Update", Handler: unary(EntitiesServer.Update, convert.MethodUpdate)},
		{MethodName: "Delete", Handler: unary(EntitiesServer.Delete, convert.MethodDelete)},
		{MethodName: "FindByNaturalKey", Handler: unary(EntitiesServer.FindByNaturalKey, convert.MethodFindByNaturalKey)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fieldsync/v1/entities.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv EntitiesServer) {
	s.RegisterService(&EntitiesServiceDesc, srv)
}
