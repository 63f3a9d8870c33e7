package client

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultTimeout bounds every call that does not carry its own deadline
const DefaultTimeout = 10 * time.Second

// Client wraps the Burrow gRPC API for CLI usage
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient connects to a Burrow API address (host:port)
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(api.CallOption()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewFromConn(conn), nil
}

// NewFromConn wraps an existing connection. Calls select the JSON codec
// themselves, so the connection needs no default call options.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, timeout: DefaultTimeout}
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// invoke calls one method and maps status errors back to errdefs sentinels
func (c *Client) invoke(method string, in, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return api.FromStatus(c.conn.Invoke(ctx, api.FullMethod(method), in, out, api.CallOption()))
}

// Declare stores a workload declaration and returns it with its generation
func (c *Client) Declare(spec *types.WorkloadSpec) (*types.WorkloadSpec, error) {
	var resp api.WorkloadResponse
	if err := c.invoke("DeclareWorkload", &api.DeclareRequest{Spec: spec}, &resp); err != nil {
		return nil, err
	}
	return resp.Workload, nil
}

// Scale sets the replica count of a workload (namespace/name or name)
func (c *Client) Scale(workload string, replicas int) (*types.WorkloadSpec, error) {
	var resp api.WorkloadResponse
	if err := c.invoke("ScaleWorkload", &api.ScaleRequest{Workload: workload, Replicas: replicas}, &resp); err != nil {
		return nil, err
	}
	return resp.Workload, nil
}

// Delete removes a workload declaration
func (c *Client) Delete(workload string) error {
	return c.invoke("DeleteWorkload", &api.WorkloadRef{Workload: workload}, &api.Empty{})
}

// GetWorkload returns one declaration
func (c *Client) GetWorkload(workload string) (*types.WorkloadSpec, error) {
	var resp api.WorkloadResponse
	if err := c.invoke("GetWorkload", &api.WorkloadRef{Workload: workload}, &resp); err != nil {
		return nil, err
	}
	return resp.Workload, nil
}

// ListWorkloads returns every declaration
func (c *Client) ListWorkloads() ([]*types.WorkloadSpec, error) {
	var resp api.ListWorkloadsResponse
	if err := c.invoke("ListWorkloads", &api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Workloads, nil
}

// Status returns the observed state of one workload
func (c *Client) Status(workload string) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.invoke("GetStatus", &api.WorkloadRef{Workload: workload}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListStatus returns the observed state of every workload
func (c *Client) ListStatus() ([]*types.WorkloadStatus, error) {
	var resp api.ListStatusResponse
	if err := c.invoke("ListStatus", &api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

// JoinNode records a node and its capacity
func (c *Client) JoinNode(node *types.Node) (*types.Node, error) {
	var resp api.NodeResponse
	if err := c.invoke("JoinNode", &api.JoinNodeRequest{Node: node}, &resp); err != nil {
		return nil, err
	}
	return resp.Node, nil
}

// RemoveNode records the loss of a node
func (c *Client) RemoveNode(nodeID string) error {
	return c.invoke("RemoveNode", &api.NodeRef{NodeID: nodeID}, &api.Empty{})
}

// ListNodes returns the nodes and their ledger accounting
func (c *Client) ListNodes() (*api.ListNodesResponse, error) {
	var resp api.ListNodesResponse
	if err := c.invoke("ListNodes", &api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve returns the ready endpoints of a logical name
func (c *Client) Resolve(name string) (*api.ResolveResponse, error) {
	var resp api.ResolveResponse
	if err := c.invoke("Resolve", &api.ResolveRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportMetric feeds a utilization sample to the autoscaler
func (c *Client) ReportMetric(workload string, utilization float64) error {
	return c.invoke("ReportMetric", &api.ReportMetricRequest{Workload: workload, Utilization: utilization}, &api.Empty{})
}

// AddManager asks the leader to add a Raft voter
func (c *Client) AddManager(nodeID, address string) error {
	return c.invoke("AddManager", &api.AddManagerRequest{NodeID: nodeID, Address: address}, &api.Empty{})
}

// ClusterInfo returns Raft membership as seen by the server
func (c *Client) ClusterInfo() (*api.ClusterInfoResponse, error) {
	var resp api.ClusterInfoResponse
	if err := c.invoke("GetClusterInfo", &api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
