package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the control plane.
const ServiceName = "mirador.triage.v1.TriageEngine"

// TriageEngineServer is the control plane implemented by services.TriageService. Messages are
// structpb.Struct values carrying the JSON form of the domain types.
type TriageEngineServer interface {
	RunBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	OptimizeCosts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetIncident(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListOpenTickets(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	HealthCheck(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(TriageEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TriageEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TriageEngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// TriageEngineServiceDesc describes the control plane for grpc.Server registration.
var TriageEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TriageEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunBatch", Handler: unaryHandler("RunBatch", TriageEngineServer.RunBatch)},
		{MethodName: "OptimizeCosts", Handler: unaryHandler("OptimizeCosts", TriageEngineServer.OptimizeCosts)},
		{MethodName: "GetIncident", Handler: unaryHandler("GetIncident", TriageEngineServer.GetIncident)},
		{MethodName: "ListOpenTickets", Handler: unaryHandler("ListOpenTickets", TriageEngineServer.ListOpenTickets)},
		{MethodName: "HealthCheck", Handler: unaryHandler("HealthCheck", TriageEngineServer.HealthCheck)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/triage/v1/triage.proto",
}

// RegisterTriageEngineServer registers srv with s.
func RegisterTriageEngineServer(s grpc.ServiceRegistrar, srv TriageEngineServer) {
	s.RegisterService(&TriageEngineServiceDesc, srv)
}

// TriageEngineClient calls the control plane.
type TriageEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewTriageEngineClient wraps a client connection.
func NewTriageEngineClient(cc grpc.ClientConnInterface) *TriageEngineClient {
	return &TriageEngineClient{cc: cc}
}

// Call invokes method with req and returns the response struct.
func (c *TriageEngineClient) Call(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
