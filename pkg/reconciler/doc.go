/*
Package reconciler drives every declared workload toward its declaration.

The Loop owns the live instance table. Workload keys flow through a
rate-limited work queue (k8s.io/client-go/util/workqueue); the queue never
hands one key to two workers at once, so steps for a single workload are
serialized while different workloads reconcile in parallel.

# Triggers

A workload is enqueued when:

  - a workload.declared, workload.scaled or workload.deleted event arrives
  - the runtime reports an instance Running, ready/unready, or exited
  - a node joins or leaves
  - the periodic resync fires (30s by default)
  - a readiness deadline is due

Failed steps are retried with exponential backoff, except for errors that
need a new declaration (invalid spec, affinity violated, volume binding
lost, readiness timeout).

# Controllers

Stateless workloads use pkg/deploy to compute one step of scaling or a
rolling update bounded by maxSurge and maxUnavailable. Terminations happen
before creations, then every unplaced Pending instance is offered to the
scheduler. Instances the fleet cannot hold stay Pending and the step
returns errdefs.ErrUnschedulable.

Ordered workloads keep stable identities name-0..name-(N-1):

	scale up     ascending, ordinal k+1 only after k is Running and ready
	scale down   descending, ordinal k+1 is Gone before k is touched
	update       descending, one ordinal per step, waiting for readiness
	restart      same identity, same volume, pinned to the volume's node

Each ordinal's volume is claimed once and recorded through Declarations.
Claims survive scale-down and are released when the workload is deleted.

# Halts

When an instance created during a rollout misses its readiness deadline
the workload enters RolloutHalted. Affinity and volume failures put it in
Failed. Either way nothing is changed for the workload until a newer
generation is declared; instances already serving keep serving. On an
ordered workload the new generation first replaces any unready ordinal
still on an older template, so a rollout halted on a bad image resumes.

# Where instances run

Only the leader reconciles. A loop that finds it is no longer the leader
stops the instances it started and leaves claims in place for the next
leader. With Config.LocalNode set, instances are placed on that node only,
since the runtime cannot reach others. With Config.ExclusivePorts a node
holds one live instance per workload port, and a stateless rollout
confined to one node replaces before it starts.
*/
package reconciler
