// Package logger builds the process-wide slog logger.
//
// The level is held in a shared slog.LevelVar so it can be changed at
// runtime when the configuration file is reloaded. Request scoped loggers
// travel in a context.Context.
package logger
