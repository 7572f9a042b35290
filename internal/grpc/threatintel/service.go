package threatintel

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "tiace.v1.ThreatIntel"

// ThreatIntelServer is the server API of tiace.v1.ThreatIntel. Requests and
// responses are google.protobuf.Struct documents.
type ThreatIntelServer interface {
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Hunt(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Sync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Export(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type call func(ThreatIntelServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn call) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(ThreatIntelServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(ThreatIntelServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes tiace.v1.ThreatIntel for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ThreatIntelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Search", Handler: unary("Search", ThreatIntelServer.Search)},
		{MethodName: "Hunt", Handler: unary("Hunt", ThreatIntelServer.Hunt)},
		{MethodName: "Sync", Handler: unary("Sync", ThreatIntelServer.Sync)},
		{MethodName: "Export", Handler: unary("Export", ThreatIntelServer.Export)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tiace/v1/threatintel.proto",
}

// RegisterThreatIntelServer registers srv on s
func RegisterThreatIntelServer(s grpc.ServiceRegistrar, srv ThreatIntelServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a tiace.v1.ThreatIntel client
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client on an established connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Search", in, opts...)
}

func (c *Client) Hunt(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Hunt", in, opts...)
}

func (c *Client) Sync(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Sync", in, opts...)
}

func (c *Client) Export(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Export", in, opts...)
}
