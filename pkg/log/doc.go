/*
Package log wraps zerolog with the scheduler's logging conventions:
a package-level Logger initialized once via Init, and per-component
child loggers via WithComponent/WithTaskKey/WithWorkerAddr/WithClientID
so every package's log lines carry consistent context fields without
threading a logger through every call.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("dispatch")
	logger.Info().Str("task_key", key).Msg("assigned")
*/
package log
