package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "burrow.v1.Burrow"

// BurrowServer is the server side of the Burrow API
type BurrowServer interface {
	DeclareWorkload(context.Context, *DeclareRequest) (*WorkloadResponse, error)
	ScaleWorkload(context.Context, *ScaleRequest) (*WorkloadResponse, error)
	DeleteWorkload(context.Context, *WorkloadRef) (*Empty, error)
	GetWorkload(context.Context, *WorkloadRef) (*WorkloadResponse, error)
	ListWorkloads(context.Context, *Empty) (*ListWorkloadsResponse, error)

	GetStatus(context.Context, *WorkloadRef) (*StatusResponse, error)
	ListStatus(context.Context, *Empty) (*ListStatusResponse, error)

	JoinNode(context.Context, *JoinNodeRequest) (*NodeResponse, error)
	RemoveNode(context.Context, *NodeRef) (*Empty, error)
	ListNodes(context.Context, *Empty) (*ListNodesResponse, error)

	Resolve(context.Context, *ResolveRequest) (*ResolveResponse, error)
	ReportMetric(context.Context, *ReportMetricRequest) (*Empty, error)

	AddManager(context.Context, *AddManagerRequest) (*Empty, error)
	GetClusterInfo(context.Context, *Empty) (*ClusterInfoResponse, error)
}

// FullMethod returns the gRPC path of a method (e.g. /burrow.v1.Burrow/ListNodes)
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds the method descriptor of one call. The request is decoded
// into a fresh *Req and handed through the interceptor chain.
func unary[Req, Resp any](name string, call func(BurrowServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BurrowServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(BurrowServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BurrowServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("DeclareWorkload", BurrowServer.DeclareWorkload),
		unary("ScaleWorkload", BurrowServer.ScaleWorkload),
		unary("DeleteWorkload", BurrowServer.DeleteWorkload),
		unary("GetWorkload", BurrowServer.GetWorkload),
		unary("ListWorkloads", BurrowServer.ListWorkloads),
		unary("GetStatus", BurrowServer.GetStatus),
		unary("ListStatus", BurrowServer.ListStatus),
		unary("JoinNode", BurrowServer.JoinNode),
		unary("RemoveNode", BurrowServer.RemoveNode),
		unary("ListNodes", BurrowServer.ListNodes),
		unary("Resolve", BurrowServer.Resolve),
		unary("ReportMetric", BurrowServer.ReportMetric),
		unary("AddManager", BurrowServer.AddManager),
		unary("GetClusterInfo", BurrowServer.GetClusterInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "burrow/v1",
}

// RegisterBurrowServer registers an implementation on a gRPC server
func RegisterBurrowServer(s grpc.ServiceRegistrar, srv BurrowServer) {
	s.RegisterService(&serviceDesc, srv)
}
