/*
Package log provides structured logging for Burrow using zerolog.

A single package-level Logger is configured once by Init from the CLI
(level, JSON or console output, destination). Components derive child
loggers that carry identifying fields:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("workload", key).Msg("Instance placed")

	logger = log.WithInstance("reconciler", "prod/mongo", "mongo-1")
	logger.Warn().Err(err).Msg("Readiness probe failed")

Field names are fixed so JSON output can be filtered consistently:

	component   subsystem emitting the entry (api, manager, reconciler, dns)
	node_id     node the entry concerns
	workload    namespace/name of a workload
	instance    stable identity of an ordered instance or an instance ID

Levels are debug, info, warn and error; unknown names fall back to info.
The level is global (zerolog.SetGlobalLevel) so child loggers created
before Init still honor it.

Secret values and injected environment are never logged.
*/
package log
