package ledger

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reservation is a capacity hold for one instance on one node
type Reservation struct {
	ID         string
	NodeID     string
	InstanceID string
	Requests   types.Resources
}

// NodeUsage is a point-in-time view of one node's accounting
type NodeUsage struct {
	NodeID       string
	Capacity     types.Resources
	Reserved     types.Resources
	Reservations int
}

// Headroom returns capacity minus reservations. It can be negative on a
// dimension after a capacity shrink.
func (u NodeUsage) Headroom() types.Resources {
	return u.Capacity.Sub(u.Reserved)
}

// Utilization is the mean of the CPU and memory reserved fractions
func (u NodeUsage) Utilization() float64 {
	return Utilization(u.Capacity, u.Reserved)
}

// Utilization computes the mean reserved fraction of capacity across CPU and memory.
// A zero-capacity dimension counts as fully used.
func Utilization(capacity, reserved types.Resources) float64 {
	return (fraction(reserved.CPUMillis, capacity.CPUMillis) + fraction(reserved.MemoryBytes, capacity.MemoryBytes)) / 2
}

func fraction(used, total int64) float64 {
	if total <= 0 {
		return 1
	}
	return float64(used) / float64(total)
}

type nodeRecord struct {
	capacity     types.Resources
	reserved     types.Resources
	reservations map[string]Reservation
}

// Ledger tracks per-node capacity and the reservations held against it.
// All mutation happens under a single mutex, so concurrent Reserve calls
// can never jointly exceed a node's capacity.
type Ledger struct {
	mu     sync.Mutex
	nodes  map[string]*nodeRecord
	logger zerolog.Logger
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		nodes:  make(map[string]*nodeRecord),
		logger: log.WithComponent("ledger"),
	}
}

// AddNode registers a node or updates its capacity. Existing reservations are kept
// even if the new capacity is smaller; admissions stop until headroom returns.
func (l *Ledger) AddNode(nodeID string, capacity types.Resources) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.nodes[nodeID]
	if !ok {
		rec = &nodeRecord{reservations: make(map[string]Reservation)}
		l.nodes[nodeID] = rec
	}
	rec.capacity = capacity
	l.publish(nodeID, rec)

	l.logger.Debug().
		Str("node_id", nodeID).
		Str("capacity", capacity.String()).
		Bool("new", !ok).
		Msg("Node capacity recorded")
}

// RemoveNode forgets a node and returns the ids of instances that held
// reservations on it, sorted.
func (l *Ledger) RemoveNode(nodeID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.nodes[nodeID]
	if !ok {
		return nil
	}
	delete(l.nodes, nodeID)

	instances := make([]string, 0, len(rec.reservations))
	for _, r := range rec.reservations {
		instances = append(instances, r.InstanceID)
	}
	sort.Strings(instances)

	for _, res := range []string{"cpu", "memory"} {
		metrics.NodeCapacity.DeleteLabelValues(nodeID, res)
		metrics.NodeReserved.DeleteLabelValues(nodeID, res)
	}

	l.logger.Info().
		Str("node_id", nodeID).
		Int("reservations", len(instances)).
		Msg("Node removed from ledger")
	return instances
}

// HasNode reports whether the node is known
func (l *Ledger) HasNode(nodeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.nodes[nodeID]
	return ok
}

// Reserve atomically admits requests on a node iff its headroom covers them
func (l *Ledger) Reserve(nodeID, instanceID string, requests types.Resources) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("node %s: %w", nodeID, errdefs.ErrNotFound)
	}

	headroom := rec.capacity.Sub(rec.reserved)
	if !headroom.Fits(requests) {
		return "", fmt.Errorf("node %s headroom %s < %s: %w",
			nodeID, headroom, requests, errdefs.ErrInsufficientResources)
	}

	r := Reservation{
		ID:         uuid.New().String(),
		NodeID:     nodeID,
		InstanceID: instanceID,
		Requests:   requests,
	}
	rec.reservations[r.ID] = r
	rec.reserved = rec.reserved.Add(requests)
	l.publish(nodeID, rec)

	return r.ID, nil
}

// Release returns a reservation's capacity. Unknown nodes and ids are ignored.
func (l *Ledger) Release(nodeID, reservationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.nodes[nodeID]
	if !ok {
		return
	}
	r, ok := rec.reservations[reservationID]
	if !ok {
		return
	}
	delete(rec.reservations, reservationID)
	rec.reserved = rec.reserved.Sub(r.Requests)
	l.publish(nodeID, rec)
}

// Headroom returns the allocatable headroom of a node
func (l *Ledger) Headroom(nodeID string) (types.Resources, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.nodes[nodeID]
	if !ok {
		return types.Resources{}, fmt.Errorf("node %s: %w", nodeID, errdefs.ErrNotFound)
	}
	return rec.capacity.Sub(rec.reserved), nil
}

// Usage returns the accounting of a single node
func (l *Ledger) Usage(nodeID string) (NodeUsage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.nodes[nodeID]
	if !ok {
		return NodeUsage{}, false
	}
	return usageOf(nodeID, rec), true
}

// Snapshot returns the usage of every node sorted by node id
func (l *Ledger) Snapshot() []NodeUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]NodeUsage, 0, len(l.nodes))
	for id, rec := range l.nodes {
		out = append(out, usageOf(id, rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Reservations lists the reservations held on a node
func (l *Ledger) Reservations(nodeID string) []Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.nodes[nodeID]
	if !ok {
		return nil
	}
	out := make([]Reservation, 0, len(rec.reservations))
	for _, r := range rec.reservations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

func usageOf(id string, rec *nodeRecord) NodeUsage {
	return NodeUsage{
		NodeID:       id,
		Capacity:     rec.capacity,
		Reserved:     rec.reserved,
		Reservations: len(rec.reservations),
	}
}

// publish must be called with l.mu held
func (l *Ledger) publish(nodeID string, rec *nodeRecord) {
	metrics.NodeCapacity.WithLabelValues(nodeID, "cpu").Set(float64(rec.capacity.CPUMillis))
	metrics.NodeCapacity.WithLabelValues(nodeID, "memory").Set(float64(rec.capacity.MemoryBytes))
	metrics.NodeReserved.WithLabelValues(nodeID, "cpu").Set(float64(rec.reserved.CPUMillis))
	metrics.NodeReserved.WithLabelValues(nodeID, "memory").Set(float64(rec.reserved.MemoryBytes))
}

// String renders a short usage summary, handy in logs
func (u NodeUsage) String() string {
	return u.NodeID + " " + u.Reserved.String() + "/" + u.Capacity.String() +
		" (" + strconv.Itoa(u.Reservations) + " reservations)"
}
