package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	NodeCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_node_capacity",
			Help: "Node capacity by resource (cpu in millicores, memory in bytes)",
		},
		[]string{"node", "resource"},
	)

	NodeReserved = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_node_reserved",
			Help: "Resources reserved by instance requests on a node",
		},
		[]string{"node", "resource"},
	)

	WorkloadsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_workloads_total",
			Help: "Total number of declared workloads by kind",
		},
		[]string{"kind"},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_instances_total",
			Help: "Total number of instances by phase",
		},
		[]string{"phase"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Placement metrics
	PlacementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_placements_total",
			Help: "Placement attempts by result (placed, unschedulable, affinity_violated)",
		},
		[]string{"result"},
	)

	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_placement_latency_seconds",
			Help:    "Time taken to place an instance in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_reconciliation_duration_seconds",
			Help:    "Duration of a single workload reconcile in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ReconciliationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_reconciliation_errors_total",
			Help: "Reconcile errors by kind and class (retryable, fatal, halted, other)",
		},
		[]string{"kind", "class"},
	)

	InstanceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_instance_transitions_total",
			Help: "Instance phase transitions by target phase",
		},
		[]string{"phase"},
	)

	// Registry metrics
	RegistryEndpoints = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_registry_endpoints",
			Help: "Ready endpoints per logical name",
		},
		[]string{"name"},
	)

	// Autoscaler metrics
	AutoscalerDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_autoscaler_decisions_total",
			Help: "Autoscaler outcomes per cycle (scaled, cooldown, unchanged, metric_error)",
		},
		[]string{"workload", "outcome"},
	)

	AutoscalerUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_autoscaler_utilization_ratio",
			Help: "Last sampled utilization ratio per workload",
		},
		[]string{"workload"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeCapacity)
	prometheus.MustRegister(NodeReserved)
	prometheus.MustRegister(WorkloadsTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(PlacementsTotal)
	prometheus.MustRegister(PlacementLatency)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationErrors)
	prometheus.MustRegister(InstanceTransitions)
	prometheus.MustRegister(RegistryEndpoints)
	prometheus.MustRegister(AutoscalerDecisions)
	prometheus.MustRegister(AutoscalerUtilization)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
