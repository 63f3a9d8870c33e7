package api

import (
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
)

// Empty is the request or response of calls that carry nothing
type Empty struct{}

// Workloads

type DeclareRequest struct {
	Spec *types.WorkloadSpec `json:"spec"`
}

type WorkloadResponse struct {
	Workload *types.WorkloadSpec `json:"workload"`
}

type WorkloadRef struct {
	Workload string `json:"workload"` // namespace/name
}

type ScaleRequest struct {
	Workload string `json:"workload"`
	Replicas int    `json:"replicas"`
}

type ListWorkloadsResponse struct {
	Workloads []*types.WorkloadSpec `json:"workloads"`
}

// Status

type StatusResponse struct {
	Status     *types.WorkloadStatus  `json:"status"`
	Autoscaler *types.AutoscalerState `json:"autoscaler,omitempty"`
}

type ListStatusResponse struct {
	Statuses []*types.WorkloadStatus `json:"statuses"`
}

// Nodes

type JoinNodeRequest struct {
	Node *types.Node `json:"node"`
}

type NodeResponse struct {
	Node *types.Node `json:"node"`
}

type NodeRef struct {
	NodeID string `json:"nodeId"`
}

type ListNodesResponse struct {
	Nodes []*types.Node      `json:"nodes"`
	Usage []ledger.NodeUsage `json:"usage"`
}

// Registry

type ResolveRequest struct {
	Name string `json:"name"`
}

type ResolveResponse struct {
	Name      string              `json:"name"`
	Endpoints []registry.Endpoint `json:"endpoints"`
}

// Autoscaling

// ReportMetricRequest feeds a utilization sample to the static metric source
type ReportMetricRequest struct {
	Workload    string  `json:"workload"`
	Utilization float64 `json:"utilization"`
}

// Cluster

type AddManagerRequest struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address"`
}

type ClusterServer struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Suffrage string `json:"suffrage"`
	Leader   bool   `json:"leader"`
}

type ClusterInfoResponse struct {
	NodeID       string            `json:"nodeId"`
	LeaderAddr   string            `json:"leaderAddr"`
	IsLeader     bool              `json:"isLeader"`
	AppliedIndex uint64            `json:"appliedIndex"`
	Servers      []ClusterServer   `json:"servers"`
	Stats        map[string]string `json:"stats,omitempty"`
}
