package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Request asks for a node for one instance
type Request struct {
	InstanceID string
	Requests   types.Resources

	// NodeAffinity pins placement to a single node when set
	NodeAffinity string

	// Nodes restricts the candidates when set
	Nodes []string

	// Exclude removes nodes from the candidates, e.g. nodes where the
	// instance's host port is already held
	Exclude []string
}

// allowed reports whether nodeID is within the request's node restriction
func (r Request) allowed(nodeID string) bool {
	if len(r.Nodes) == 0 {
		return true
	}
	for _, id := range r.Nodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

func (r Request) excluded(nodeID string) bool {
	for _, id := range r.Exclude {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Placement is the result of a successful Place
type Placement struct {
	NodeID        string
	ReservationID string
}

// Placer places instances onto nodes
type Placer interface {
	Place(req Request) (Placement, error)
}

// Scheduler implements spread placement on top of a resource ledger
type Scheduler struct {
	ledger *ledger.Ledger
	logger zerolog.Logger
}

var _ Placer = (*Scheduler)(nil)

// NewScheduler creates a new scheduler
func NewScheduler(l *ledger.Ledger) *Scheduler {
	return &Scheduler{
		ledger: l,
		logger: log.WithComponent("scheduler"),
	}
}

// Place reserves capacity for the request on the node that keeps fleet
// utilization most even. Pinned requests only consider their own node.
func (s *Scheduler) Place(req Request) (Placement, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlacementLatency)

	if req.NodeAffinity != "" {
		return s.placePinned(req)
	}

	var snapshot []ledger.NodeUsage
	for _, u := range s.ledger.Snapshot() {
		if req.allowed(u.NodeID) && !req.excluded(u.NodeID) {
			snapshot = append(snapshot, u)
		}
	}
	for _, nodeID := range rankCandidates(snapshot, req.Requests) {
		resID, err := s.ledger.Reserve(nodeID, req.InstanceID, req.Requests)
		if err != nil {
			// Lost a race against a concurrent reservation or a node removal
			if errors.Is(err, errdefs.ErrInsufficientResources) || errors.Is(err, errdefs.ErrNotFound) {
				continue
			}
			return Placement{}, err
		}

		metrics.PlacementsTotal.WithLabelValues("placed").Inc()
		s.logger.Debug().
			Str("instance", req.InstanceID).
			Str("node_id", nodeID).
			Msg("Instance placed")
		return Placement{NodeID: nodeID, ReservationID: resID}, nil
	}

	metrics.PlacementsTotal.WithLabelValues("unschedulable").Inc()
	return Placement{}, fmt.Errorf("instance %s requests %s across %d nodes: %w",
		req.InstanceID, req.Requests, len(snapshot), errdefs.ErrUnschedulable)
}

func (s *Scheduler) placePinned(req Request) (Placement, error) {
	if !req.allowed(req.NodeAffinity) {
		metrics.PlacementsTotal.WithLabelValues("affinity_violated").Inc()
		return Placement{}, fmt.Errorf("instance %s pinned to node %s outside the placeable nodes: %w",
			req.InstanceID, req.NodeAffinity, errdefs.ErrAffinityViolated)
	}
	if req.excluded(req.NodeAffinity) {
		metrics.PlacementsTotal.WithLabelValues("unschedulable").Inc()
		return Placement{}, fmt.Errorf("instance %s pinned to node %s which is excluded: %w",
			req.InstanceID, req.NodeAffinity, errdefs.ErrUnschedulable)
	}
	resID, err := s.ledger.Reserve(req.NodeAffinity, req.InstanceID, req.Requests)
	if err != nil {
		metrics.PlacementsTotal.WithLabelValues("affinity_violated").Inc()
		return Placement{}, fmt.Errorf("instance %s pinned to node %s: %v: %w",
			req.InstanceID, req.NodeAffinity, err, errdefs.ErrAffinityViolated)
	}

	metrics.PlacementsTotal.WithLabelValues("placed").Inc()
	return Placement{NodeID: req.NodeAffinity, ReservationID: resID}, nil
}

// rankCandidates orders the nodes whose headroom fits requests by the
// utilization variance the fleet would have after placing there, lowest
// first, ties broken by node id.
func rankCandidates(fleet []ledger.NodeUsage, requests types.Resources) []string {
	type candidate struct {
		id       string
		variance float64
	}

	base := make([]float64, len(fleet))
	for i, u := range fleet {
		base[i] = u.Utilization()
	}

	var cands []candidate
	for i, u := range fleet {
		if !u.Headroom().Fits(requests) {
			continue
		}
		utils := append([]float64(nil), base...)
		utils[i] = ledger.Utilization(u.Capacity, u.Reserved.Add(requests))
		cands = append(cands, candidate{id: u.NodeID, variance: variance(utils)})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if d := cands[i].variance - cands[j].variance; d < -epsilon || d > epsilon {
			return d < 0
		}
		return cands[i].id < cands[j].id
	})

	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

const epsilon = 1e-12

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}
