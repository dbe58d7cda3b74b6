package types

// Logger defines methods for structured logging.
//
// Compatible with slog-style and zap.SugaredLogger-style structured loggers.
// All methods accept key-value pairs for structured fields.
type Logger interface {
	// Debug logs a message at DebugLevel.
	Debug(msg string, keysAndValues ...any)

	// Info logs a message at InfoLevel.
	Info(msg string, keysAndValues ...any)

	// Warn logs a message at WarnLevel.
	Warn(msg string, keysAndValues ...any)

	// Error logs a message at ErrorLevel.
	Error(msg string, keysAndValues ...any)

	// Fatal logs a message at FatalLevel and calls os.Exit(1).
	//
	// The client never calls Fatal itself; it is part of the interface so that
	// application loggers can be passed through unchanged.
	Fatal(msg string, keysAndValues ...any)
}
