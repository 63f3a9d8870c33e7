/*
Package storage persists burrow's replicated cluster state in BoltDB.

The Store interface is what the raft FSM in pkg/manager applies committed
log entries to. BoltStore keeps one bucket per record type, with every value
serialized as JSON:

	workloads   namespace/name      -> types.WorkloadSpec
	nodes       node id             -> types.Node
	claims      namespace/name#ord  -> types.VolumeClaim

Claim keys share the workload key as a prefix, so ListClaims for one workload
is a cursor seek rather than a full scan.

Instances are deliberately absent: they are owned by the local reconciler
and rebuilt from the runtime, not replicated.

Lookups for records that do not exist return an error wrapping
errdefs.ErrNotFound. Deletes of missing keys succeed.

	store, err := storage.NewBoltStore("/var/lib/burrow")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.PutWorkload(spec)
*/
package storage
