/*
Package types defines the core data structures used throughout Burrow.

This package contains the domain model shared by every other package:
workload declarations, instances, nodes, volume claims, autoscaler state,
and the status documents returned to callers. It has no dependencies on
other Burrow packages.

# Core Types

Declarations:
  - WorkloadSpec: desired state for a set of instances, replaced wholesale
  - WorkloadKind: Stateless or OrderedStateful
  - ResourceRequirements: requests (admission) and limits (runtime)
  - UpdateStrategy: maxSurge / maxUnavailable for rolling replacement
  - AutoscalePolicy: min/max bounds, target utilization, cooldown

Runtime state:
  - Instance: one unit of a workload with a lifecycle Phase
  - Node: member of the cluster with a fixed capacity
  - VolumeClaim: (workload, ordinal) to volume handle binding

Status:
  - WorkloadStatus and InstanceStatus: the status interface payloads
  - Condition: Reconciling, Stable, RolloutHalted, Failed

# Instance Lifecycle

	Pending ──▶ Running ──▶ Terminating ──▶ Gone
	   ▲           │
	   └───────────┘  node loss returns an instance to Pending

Only Pending and Running instances count toward the desired replica
count. An instance is served by the registry only while it is Running
and ready.

# Identity

Stateless instances are identified by an opaque UUID. Ordered instances
are identified by an ordinal and named <workload>-<ordinal>; the ordinal
also keys the volume claim that survives instance replacement.

# Keys

Workloads are keyed as namespace/name (WorkloadKey) and published in the
registry as name.namespace (LogicalName). Claims are keyed as
namespace/name#ordinal (ClaimKey).

All types are plain data and JSON-serializable; the storage layer
persists them as JSON in BoltDB. Callers must Clone before mutating a
value obtained from a shared table.
*/
package types
