/*
Package metrics provides Prometheus metrics and process health for Burrow.

All collectors are package-level variables registered with the default
Prometheus registry at init, so any package can update them directly:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconciliationDuration, "stateless")

	metrics.PlacementsTotal.WithLabelValues("placed").Inc()

# Metric families

	burrow_nodes_total{status}                   nodes by membership state
	burrow_node_capacity{node,resource}          declared node capacity
	burrow_node_reserved{node,resource}          ledger reservations per node
	burrow_workloads_total{kind}                 declared workloads
	burrow_instances_total{phase}                live instances by phase
	burrow_placements_total{result}              placement outcomes
	burrow_reconciliation_duration_seconds{kind} reconcile latency
	burrow_reconciliation_errors_total{kind,class}
	burrow_registry_endpoints{name}              ready endpoints per name
	burrow_autoscaler_decisions_total{workload,outcome}

Gauges that describe stored state (nodes, workloads, instances, raft) are
refreshed by a Collector; everything else is updated inline by the owning
component.

# Health

The health half of the package tracks named components. /health reports
unhealthy if any registered component is unhealthy; /ready additionally
requires every critical component (raft, runtime and reconciler by
default) to be registered.
*/
package metrics
