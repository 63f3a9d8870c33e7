/*
Package autoscaler resizes Stateless workloads from a load signal.

Every interval (15s by default) the autoscaler lists the declared
workloads and, for each Stateless workload with an autoscale policy,
samples its utilization from a MetricSource and computes

	desired = ceil(replicas * utilization / target)

clamped to [minReplicas, maxReplicas]. A changed count is written back
through Scaler.Autoscale, which bumps the workload generation and lets the
reconciler do the rest; the autoscaler never touches instances. At most one
scale is issued per workload per cooldown window, however long a spike
lasts. The time of the last scale is stored with the workload, so a
restarted or newly elected autoscaler honors a cooldown that is already
running. A failed metric read skips the workload for that cycle.

Two sources are provided: StaticSource, fed by the ReportMetric API call,
and PrometheusSource, which runs an instant PromQL query rendered from a
text/template with the workload's Key, Name and Namespace.
*/
package autoscaler
