package logging

import (
	"context"
	"fmt"

	"goa.design/clue/log"
)

// ClueLogger delegates to goa.design/clue/log. Formatting and debug settings
// are read from the context it was created with (see log.Context).
type ClueLogger struct {
	ctx context.Context
}

// NewClueLogger constructs a Logger bound to ctx. When ctx carries no clue
// logger one is initialized with the given format ("json" or terminal text).
func NewClueLogger(ctx context.Context, format string, debug bool) Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := []log.LogOption{log.WithFormat(log.FormatText)}
	if format == "json" {
		opts = []log.LogOption{log.WithFormat(log.FormatJSON)}
	}
	if debug {
		opts = append(opts, log.WithDebug())
	}
	return ClueLogger{ctx: log.Context(ctx, opts...)}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (c ClueLogger) Debug(msg string, keyvals ...any) {
	log.Debug(c.ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (c ClueLogger) Info(msg string, keyvals ...any) {
	log.Info(c.ctx, fielders(msg, keyvals)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (c ClueLogger) Warn(msg string, keyvals ...any) {
	log.Warn(c.ctx, fielders(msg, keyvals)...)
}

// Error emits an error-level log message with structured key-value pairs.
func (c ClueLogger) Error(msg string, keyvals ...any) {
	log.Error(c.ctx, nil, fielders(msg, keyvals)...)
}

// fielders converts variadic key-value pairs into clue fielders prefixed with
// the message. An odd trailing key is paired with nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	out := make([]log.Fielder, 0, len(keyvals)/2+1)
	out = append(out, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k := fmt.Sprint(keyvals[i])
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}
