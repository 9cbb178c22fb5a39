// Package log provides structured logging for the agent using zerolog.
//
// Call Init once at process start, then obtain component loggers with
// WithComponent. All entries carry a timestamp; JSONOutput selects JSON
// vs human-readable console rendering.
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
//	connLog := log.WithComponent("connection")
//	connLog.Info().Str("gateway", url).Msg("dialing gateway")
package log
