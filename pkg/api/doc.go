/*
Package api exposes Burrow over gRPC and HTTP.

# gRPC service

The service burrow.v1.Burrow is described by a hand-written
grpc.ServiceDesc and carries the plain Go structs of this package encoded
as JSON (content-type application/grpc+json). The codec is registered on
import, so both the server and pkg/client only need this package.

	DeclareWorkload   store a declaration, bump its generation
	ScaleWorkload     rewrite the replica count
	DeleteWorkload    remove a declaration, the reconciler tears it down
	GetWorkload       one declaration
	ListWorkloads     every declaration
	GetStatus         observed state of one workload, plus its autoscaler record
	ListStatus        observed state of every workload
	JoinNode          record a node and its capacity
	RemoveNode        record the loss of a node
	ListNodes         nodes plus the resource ledger's accounting
	Resolve           ready endpoints of a logical name
	ReportMetric      feed a utilization sample to the static metric source
	AddManager        add a Raft voter
	GetClusterInfo    Raft membership and stats

Domain errors travel as gRPC status codes:

	ErrInvalidSpec                         InvalidArgument
	ErrNotFound                            NotFound
	ErrUnschedulable, ErrInsufficientRes.  ResourceExhausted
	ErrAffinityViolated, ErrVolumeBinding  FailedPrecondition
	ErrReadinessTimeout                    FailedPrecondition
	raft.ErrNotLeader, ErrMetricSource     Unavailable

FromStatus turns a status error back into one wrapping the matching
errdefs sentinel.

Only the leader reconciles, so followers answer GetWorkload,
ListWorkloads and GetClusterInfo from their replicated store and reject
everything else with Unavailable naming the current leader.

The standard grpc.health.v1 service is registered on the same server and
reports burrow.v1.Burrow as SERVING once the listener is up.

# HTTP endpoints

HealthServer serves /health (liveness with version and uptime), /live,
/ready (leader known, store readable, critical components healthy) and
/metrics (Prometheus).
*/
package api
