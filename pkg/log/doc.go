/*
Package log provides structured logging for hoosegow using zerolog.

The package keeps one global zerolog.Logger, configured once by Init, and
hands out child loggers carrying a component name or call context:

	log.Init(log.Config{Level: log.DebugLevel})
	logger := log.WithComponent("docker")
	logger = log.WithContainerID(logger, id)
	logger.Debug().Msg("container started")

Before Init runs the global logger has no writer and discards everything,
which keeps library users and tests quiet unless they opt in.

# Output

Logs go to stderr by default. Inside a sandbox, stdout carries protocol
messages and must never see a log line; on the trusted side the CLI prints
call results to stdout.

Console output is the default; JSONOutput switches to one JSON object per
line for log shippers.
*/
package log
