/*
Package log provides structured logging for all fkchat processes.

It wraps zerolog with a process-global logger initialised once from the
configuration snapshot, plus helpers to derive component-scoped child
loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("chat-server")
	logger.Info().Str("addr", addr).Msg("listening")

Console output (human readable) is the default; JSON output is intended
for production deployments where logs are shipped to an aggregator.
*/
package log
