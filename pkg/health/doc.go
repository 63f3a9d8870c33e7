/*
Package health implements the readiness probes that gate registry visibility.

A workload's Readiness.Probe is turned into a Checker with ForProbe:

	http  GET http://<address><path>, ready on 2xx/3xx
	tcp   connect to <address>, ready once the port accepts
	exec  run a command, ready on exit 0

Runtime drivers run the checker with Monitor and forward each transition to
the reconciler. An instance starts unready, becomes ready on its first
successful check, and drops back to unready only after Retries consecutive
failures. Instances of workloads without a probe are ready as soon as the
runtime reports them running.
*/
package health
