package internal

import (
	"io"
	"log/slog"
)

// Level shared by every logger created with NewLogger.
var logLevel = new(slog.LevelVar)

// Creates a text logger writing to w at the shared level.
//
// Verbose loggers annotate each record with its source location.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: verbose,
	}))
}

// Sets the level of every logger created with NewLogger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// Returns the log level for the given flags. Debug wins over quiet.
func LogLevel(debug, quiet bool) slog.Level {
	switch {
	case debug:
		return slog.LevelDebug
	case quiet:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
