// Package logging provides a minimal logging interface and adapters for Roundtable.
//
// The Logger interface defines the standard leveled methods (Debug, Info, Warn,
// Error) taking a message plus alternating key/value pairs. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping log/slog, plus NewLogger building a configured handler
//   - ClueLogger delegating to goa.design/clue/log
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - Domain helpers (LogTurn, LogRun) keeping field names consistent
//
// Usage:
//
//	logger := logging.NewLogger(&logging.Config{Level: logging.LogLevelInfo, Format: "json"})
//	rt := roundtable.New(catalog, model, func(o *roundtable.Options) { o.Logger = logger })
package logging
