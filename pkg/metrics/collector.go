package metrics

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// ClusterSource exposes replicated cluster state to the collector
type ClusterSource interface {
	ListWorkloads() ([]*types.WorkloadSpec, error)
	ListNodes() ([]*types.Node, error)
	IsLeader() bool
	AppliedIndex() uint64
}

// InstanceSource exposes the live instance table to the collector
type InstanceSource interface {
	ListInstances() []*types.Instance
}

// Collector periodically refreshes gauges that are derived from state
// rather than updated inline.
type Collector struct {
	cluster   ClusterSource
	instances InstanceSource
	interval  time.Duration
}

// NewCollector creates a new metrics collector
func NewCollector(cluster ClusterSource, instances InstanceSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		cluster:   cluster,
		instances: instances,
		interval:  interval,
	}
}

// Run collects immediately and then on every interval until ctx is done
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-ctx.Done():
			return
		}
	}
}

// Collect performs a single collection pass
func (c *Collector) Collect() {
	if c.cluster != nil {
		c.collectNodes()
		c.collectWorkloads()
		c.collectRaft()
	}
	if c.instances != nil {
		c.collectInstances()
	}
}

func (c *Collector) collectNodes() {
	nodes, err := c.cluster.ListNodes()
	if err != nil {
		return
	}
	counts := map[types.NodeStatus]int{
		types.NodeStatusReady: 0,
	}
	for _, n := range nodes {
		counts[n.Status]++
	}
	for status, n := range counts {
		NodesTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectWorkloads() {
	specs, err := c.cluster.ListWorkloads()
	if err != nil {
		return
	}
	counts := map[types.WorkloadKind]int{
		types.KindStateless:       0,
		types.KindOrderedStateful: 0,
	}
	for _, s := range specs {
		counts[s.Kind]++
	}
	for kind, n := range counts {
		WorkloadsTotal.WithLabelValues(string(kind)).Set(float64(n))
	}
}

func (c *Collector) collectInstances() {
	counts := map[types.Phase]int{
		types.PhasePending:     0,
		types.PhaseRunning:     0,
		types.PhaseTerminating: 0,
	}
	for _, inst := range c.instances.ListInstances() {
		if inst.Phase == types.PhaseGone {
			continue
		}
		counts[inst.Phase]++
	}
	for phase, n := range counts {
		InstancesTotal.WithLabelValues(string(phase)).Set(float64(n))
	}
}

func (c *Collector) collectRaft() {
	if c.cluster.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftAppliedIndex.Set(float64(c.cluster.AppliedIndex()))
}
