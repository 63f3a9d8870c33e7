/*
Package client provides a Go client for the Burrow gRPC API.

	c, err := client.NewClient("127.0.0.1:8080")
	if err != nil {
		return err
	}
	defer c.Close()

	spec, err := c.Declare(&types.WorkloadSpec{Name: "web", ...})
	st, err := c.Status("default/web")
	res, err := c.Resolve("mongo-0.mongo.default")

Every call is bounded by DefaultTimeout. Errors come back wrapping the
errdefs sentinel the server failed with, so callers match them with
errors.Is:

	if errors.Is(err, errdefs.ErrNotFound) { ... }
	if errors.Is(err, raft.ErrNotLeader) { ... } // retry against the leader

Workloads may be named namespace/name or just name, which means the
default namespace.
*/
package client
