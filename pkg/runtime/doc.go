/*
Package runtime is the collaborator that runs instances.

Controllers hand a Runtime an instance, its workload template, and the
resolved Env (secret blobs, volume path, node address). The runtime reports
back asynchronously through an Observer:

	InstanceRunning(id, address)   the process is up and reachable
	InstanceReadiness(id, ready)   the readiness probe flipped
	InstanceExited(id, reason)     the process died without being asked to

Stop is synchronous and never produces an InstanceExited report.

Two drivers are provided.

MemoryRuntime simulates instances. Start reports Running immediately with a
synthetic 10.88.x.y address. It is used by tests and by "burrow serve
--runtime memory" for dry runs of placement and rollout behaviour.

ContainerdRuntime runs each instance as a containerd task in the "burrow"
namespace. Requests become CPU shares, limits become a CFS quota and a
memory limit, secrets become environment variables, and the ordinal volume
of an ordered instance is bind mounted at its target path. Containers use
host networking, so the instance address is the node address plus the
workload port. Readiness probes run through pkg/health; exec probes run
inside the container via task exec.
*/
package runtime
