/*
Package log provides structured logging for the trade-capture core using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	routerLog := log.WithComponent("router")
	routerLog.Info().Str("topic", topic).Msg("subscription started")

Per-message context — every orchestrator run builds a child logger that
carries the trade id and partition key so all pipeline log lines for one
message correlate:

	msgLog := log.WithTradeContext("orchestrator", msg.TradeID, msg.PartitionKey)
	msgLog.Info().Uint64("sequence", msg.SequenceNumber).Msg("processing message")

Structured fields (.Str, .Uint64, .Err) are preferred over string
interpolation; errors always go through .Err(err).
*/
package log
