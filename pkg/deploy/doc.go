/*
Package deploy plans rolling replacement and scaling of stateless instances.

Compute is a pure function from the desired replica count, the update
strategy and the current instances to one step: how many instances to
create on the current template and which ones to terminate. The stateless
controller applies the step, waits for readiness changes, and calls Compute
again, so a rollout is a sequence of small steps rather than a long-running
procedure.

Each step keeps two bounds:

	instances after the step        <= desired + maxSurge
	ready instances after the step  >= desired - maxUnavailable

When both budgets are zero maxUnavailable is treated as 1 so the rollout can
make progress. Outdated instances that are not ready do not count toward
availability and are always removable.

A plain scale change is the same computation with no outdated instances.
Terminations prefer unready instances, then the most recently created.

Halting on a missed readiness deadline is the controller's job; Compute does
not look at time.
*/
package deploy
