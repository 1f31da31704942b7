package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const LedgerServiceName = "inventory.v1.LedgerService"

// LedgerServiceServer carries requests and replies as google.protobuf.Struct
// documents shaped like the HTTP request bodies and Response envelope.
type LedgerServiceServer interface {
	DeductStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RestoreStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsLowStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LowStockItems(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(LedgerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DeductStock", Handler: unaryHandler("DeductStock", LedgerServiceServer.DeductStock)},
		{MethodName: "RestoreStock", Handler: unaryHandler("RestoreStock", LedgerServiceServer.RestoreStock)},
		{MethodName: "SetStock", Handler: unaryHandler("SetStock", LedgerServiceServer.SetStock)},
		{MethodName: "CheckStock", Handler: unaryHandler("CheckStock", LedgerServiceServer.CheckStock)},
		{MethodName: "IsLowStock", Handler: unaryHandler("IsLowStock", LedgerServiceServer.IsLowStock)},
		{MethodName: "LowStockItems", Handler: unaryHandler("LowStockItems", LedgerServiceServer.LowStockItems)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inventory/v1/ledger.proto",
}

func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

func unaryHandler(method string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + LedgerServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type LedgerServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerServiceClient(cc grpc.ClientConnInterface) *LedgerServiceClient {
	return &LedgerServiceClient{cc: cc}
}

// Call invokes method ("DeductStock", "CheckStock", ...) with a request document.
func (c *LedgerServiceClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+LedgerServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
