package api

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/cuemby/burrow/pkg/autoscaler"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Deps are the components the API exposes. Metrics and Autoscaler are
// optional.
type Deps struct {
	Manager    *manager.Manager
	Loop       *reconciler.Loop
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Metrics    *autoscaler.StaticSource
	Autoscaler *autoscaler.Autoscaler
}

// Server implements the Burrow gRPC service
type Server struct {
	Deps
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

var _ BurrowServer = (*Server)(nil)

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	s := &Server{
		Deps:   deps,
		logger: log.WithComponent("api"),
	}
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			MetricsInterceptor(),
			LeaderInterceptor(deps.Manager.IsLeader, deps.Manager.LeaderAddr),
		),
	)
	RegisterBurrowServer(s.grpc, s)

	// Standard gRPC health service (protobuf codec) for load balancers and probes
	s.health = health.NewServer()
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	s.health.Shutdown()
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// normalizeKey accepts namespace/name or a bare name in the default namespace
func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("workload is required: %w", errdefs.ErrInvalidSpec)
	}
	if !strings.Contains(key, "/") {
		return types.WorkloadKey("", key), nil
	}
	return key, nil
}

// DeclareWorkload stores a declaration and returns it with its new generation
func (s *Server) DeclareWorkload(ctx context.Context, req *DeclareRequest) (*WorkloadResponse, error) {
	if req.Spec == nil {
		return nil, toStatus(fmt.Errorf("spec is required: %w", errdefs.ErrInvalidSpec))
	}
	spec, err := s.Manager.Declare(req.Spec)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WorkloadResponse{Workload: spec}, nil
}

// ScaleWorkload changes the replica count of a workload
func (s *Server) ScaleWorkload(ctx context.Context, req *ScaleRequest) (*WorkloadResponse, error) {
	key, err := normalizeKey(req.Workload)
	if err != nil {
		return nil, toStatus(err)
	}
	spec, err := s.Manager.Scale(key, req.Replicas)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WorkloadResponse{Workload: spec}, nil
}

// DeleteWorkload removes a declaration; the reconciler tears it down
func (s *Server) DeleteWorkload(ctx context.Context, req *WorkloadRef) (*Empty, error) {
	key, err := normalizeKey(req.Workload)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.Manager.Delete(key); err != nil {
		return nil, toStatus(err)
	}
	if s.Metrics != nil {
		s.Metrics.Delete(key)
	}
	return &Empty{}, nil
}

func (s *Server) GetWorkload(ctx context.Context, req *WorkloadRef) (*WorkloadResponse, error) {
	key, err := normalizeKey(req.Workload)
	if err != nil {
		return nil, toStatus(err)
	}
	spec, err := s.Manager.GetWorkload(key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WorkloadResponse{Workload: spec}, nil
}

func (s *Server) ListWorkloads(ctx context.Context, req *Empty) (*ListWorkloadsResponse, error) {
	specs, err := s.Manager.ListWorkloads()
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListWorkloadsResponse{Workloads: specs}, nil
}

// GetStatus reports the observed state of one workload, with its
// autoscaling record when it has one
func (s *Server) GetStatus(ctx context.Context, req *WorkloadRef) (*StatusResponse, error) {
	key, err := normalizeKey(req.Workload)
	if err != nil {
		return nil, toStatus(err)
	}
	st, err := s.Loop.Status(key)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &StatusResponse{Status: st}
	if s.Autoscaler != nil {
		if as, ok := s.Autoscaler.State(key); ok {
			resp.Autoscaler = &as
		}
	}
	return resp, nil
}

func (s *Server) ListStatus(ctx context.Context, req *Empty) (*ListStatusResponse, error) {
	statuses, err := s.Loop.ListStatus()
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListStatusResponse{Statuses: statuses}, nil
}

// JoinNode records a node and its capacity
func (s *Server) JoinNode(ctx context.Context, req *JoinNodeRequest) (*NodeResponse, error) {
	node, err := s.Manager.JoinNode(req.Node)
	if err != nil {
		return nil, toStatus(err)
	}
	return &NodeResponse{Node: node}, nil
}

// RemoveNode records the loss of a node
func (s *Server) RemoveNode(ctx context.Context, req *NodeRef) (*Empty, error) {
	if req.NodeID == "" {
		return nil, toStatus(fmt.Errorf("node id is required: %w", errdefs.ErrInvalidSpec))
	}
	if err := s.Manager.RemoveNode(req.NodeID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// ListNodes returns the known nodes and the ledger's accounting of each
func (s *Server) ListNodes(ctx context.Context, req *Empty) (*ListNodesResponse, error) {
	nodes, err := s.Manager.ListNodes()
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListNodesResponse{Nodes: nodes}
	if s.Ledger != nil {
		resp.Usage = s.Ledger.Snapshot()
	}
	return resp, nil
}

// Resolve returns the ready endpoints of a logical name.
//
//	web                  web.default
//	web.default          every ready instance of the workload
//	mongo-0.mongo.prod   one ordered instance by identity
func (s *Server) Resolve(ctx context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	name := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(req.Name), "."))
	if name == "" {
		return nil, toStatus(fmt.Errorf("name is required: %w", errdefs.ErrInvalidSpec))
	}
	if !strings.Contains(name, ".") {
		name += "." + types.DefaultNamespace
	}

	resp := &ResolveResponse{Name: name, Endpoints: s.Registry.Resolve(name)}
	if len(resp.Endpoints) > 0 {
		return resp, nil
	}
	if dot := strings.IndexByte(name, '.'); dot > 0 {
		if ep, ok := s.Registry.ResolveIdentity(name[dot+1:], name[:dot]); ok {
			resp.Endpoints = []registry.Endpoint{ep}
		}
	}
	return resp, nil
}

// ReportMetric records a utilization sample for the autoscaler
func (s *Server) ReportMetric(ctx context.Context, req *ReportMetricRequest) (*Empty, error) {
	if s.Metrics == nil {
		return nil, toStatus(fmt.Errorf("static metric source not configured: %w", errdefs.ErrMetricSource))
	}
	key, err := normalizeKey(req.Workload)
	if err != nil {
		return nil, toStatus(err)
	}
	if req.Utilization < 0 {
		return nil, toStatus(fmt.Errorf("utilization must not be negative, got %v: %w", req.Utilization, errdefs.ErrInvalidSpec))
	}
	if _, err := s.Manager.GetWorkload(key); err != nil {
		return nil, toStatus(err)
	}
	s.Metrics.Set(key, req.Utilization)
	return &Empty{}, nil
}

// AddManager adds a voter to the Raft configuration
func (s *Server) AddManager(ctx context.Context, req *AddManagerRequest) (*Empty, error) {
	if req.NodeID == "" || req.Address == "" {
		return nil, toStatus(fmt.Errorf("node id and address are required: %w", errdefs.ErrInvalidSpec))
	}
	if err := s.Manager.AddVoter(req.NodeID, req.Address); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info().Str("node_id", req.NodeID).Str("address", req.Address).Msg("Manager added")
	return &Empty{}, nil
}

// GetClusterInfo reports Raft membership as seen by this node
func (s *Server) GetClusterInfo(ctx context.Context, req *Empty) (*ClusterInfoResponse, error) {
	servers, err := s.Manager.GetClusterServers()
	if err != nil {
		return nil, toStatus(err)
	}
	leader := s.Manager.LeaderAddr()

	resp := &ClusterInfoResponse{
		NodeID:       s.Manager.NodeID(),
		LeaderAddr:   leader,
		IsLeader:     s.Manager.IsLeader(),
		AppliedIndex: s.Manager.AppliedIndex(),
		Stats:        s.Manager.GetRaftStats(),
	}
	for _, srv := range servers {
		resp.Servers = append(resp.Servers, ClusterServer{
			ID:       string(srv.ID),
			Address:  string(srv.Address),
			Suffrage: srv.Suffrage.String(),
			Leader:   string(srv.Address) == leader,
		})
	}
	return resp, nil
}
