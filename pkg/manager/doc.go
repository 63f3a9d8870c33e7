/*
Package manager owns burrow's declared state and replicates it with Raft.

Every write (declarations, scale changes, deletions, node membership and
volume claims) becomes a JSON Command in the Raft log. Once committed,
BurrowFSM applies it to the BoltDB store from pkg/storage. Reads go straight
to the local store.

	┌──────────── MANAGER ─────────────┐
	│  Declare / Scale / Delete        │
	│  JoinNode / RemoveNode           │
	│  PutClaim / DeleteClaim          │
	│         │ validate, Command      │
	│         ▼                        │
	│  raft.Apply ──► BurrowFSM.Apply  │
	│                    │             │
	│                    ▼             │
	│            storage.BoltStore     │
	│         │                        │
	│         ▼                        │
	│  events.Broker (declared, scaled,│
	│  deleted, node.joined, node.left)│
	└──────────────────────────────────┘

# Declarations

Declare validates a WorkloadSpec (see Validate) and stores it, replacing any
previous declaration of the same namespace/name. Every accepted declaration
bumps the generation; a rejected one changes nothing and returns an error
wrapping errdefs.ErrInvalidSpec. The kind of a workload cannot change.

Scale rewrites only the replica count and is shared by "burrow scale" and
the autoscaler. Scaling to the current count is a no-op.

# Membership

JoinNode and RemoveNode record nodes reported by the membership collaborator
and publish node.joined and node.left. The reconciler reacts to these events
by updating the resource ledger and rescheduling lost instances.

# Raft

Bootstrap starts a single-voter cluster; further managers call Join and are
added by the leader with AddVoter. Writes on a follower fail with an error
naming the current leader. Config.InMemory swaps the TCP transport and
raft-boltdb stores for their in-memory counterparts, which the tests use.
*/
package manager
