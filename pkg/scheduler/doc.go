/*
Package scheduler places instances onto nodes.

Placement is spread scheduling: among nodes whose headroom covers the
instance requests, the scheduler picks the node that leaves the fleet's
utilization variance lowest after placement. Node utilization is the mean
of the CPU and memory reserved fractions. Ties go to the lowest node id, so
the same inputs always produce the same placement.

	fleet: node-1 (0%), node-2 (0%)
	place web-1 → node-1   (tie, lowest id)
	place web-2 → node-2   (variance 0)

The chosen node is reserved through the ledger. Another placement may take
the headroom between ranking and reserving; in that case the next candidate
is tried. When no candidate remains, Place returns errdefs.ErrUnschedulable
and the caller retries later with backoff.

# Pinned placement

Ordered instances whose volume lives on one node carry NodeAffinity. Only
that node is considered. If it is gone or full, Place returns
errdefs.ErrAffinityViolated, which callers treat as fatal rather than
retrying on another node.
*/
package scheduler
