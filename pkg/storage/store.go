package storage

import (
	"github.com/cuemby/burrow/pkg/types"
)

// Store defines the interface for replicated cluster state.
// Lookups of missing records return errors wrapping errdefs.ErrNotFound.
type Store interface {
	// Workloads, keyed by namespace/name
	PutWorkload(spec *types.WorkloadSpec) error
	GetWorkload(key string) (*types.WorkloadSpec, error)
	ListWorkloads() ([]*types.WorkloadSpec, error)
	DeleteWorkload(key string) error

	// Nodes
	PutNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	// Volume claims of ordered workloads
	PutClaim(claim *types.VolumeClaim) error
	GetClaim(workload string, ordinal int) (*types.VolumeClaim, error)
	ListClaims(workload string) ([]*types.VolumeClaim, error)
	DeleteClaim(workload string, ordinal int) error

	// Utility
	Close() error
}
