/*
Package volume is the storage collaborator for ordered workloads.

Each ordinal of an ordered workload owns one volume. The ordered controller
binds it once, records the returned handle as a claim, and on every later
recreation of that ordinal asks the binder to reattach exactly that handle.

The LocalDriver keeps volumes as host directories:

	<base>/<node>/<namespace>_<name>-<ordinal>/
	    .burrow-volume-id      handle written on first bind

Reattaching compares the marker with the recorded handle. A missing
directory or a different marker means the data the ordinal used to own is
gone, and Bind fails with errdefs.ErrVolumeBindingLost instead of quietly
creating a fresh volume.

Local volumes are node-local, so the controller pins placement of a bound
ordinal to the node in its claim.
*/
package volume
