// Package logging provides the process-wide operational logger.
package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	current atomic.Pointer[slog.Logger]
	level   = new(slog.LevelVar)
)

func init() {
	Init("text", "info")
}

// Op returns the operational logger for server/infrastructure logs.
func Op() *slog.Logger {
	return current.Load()
}

// OpWithTrace returns the operational logger with trace correlation
// fields attached, so log lines for one submission can be joined with
// its spans. Empty ids return the plain logger.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := current.Load()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}

// Init configures the operational logger.
// format: "text" (default) or "json"; level: "debug", "info", "warn", "error".
func Init(format, lvl string) {
	SetLevelFromString(lvl)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	current.Store(slog.New(handler))
}

// SetLevelFromString sets the log level from its string form. Unknown
// values leave the level unchanged.
func SetLevelFromString(lvl string) {
	if parsed, ok := parseLevel(lvl); ok {
		level.Set(parsed)
	}
}

func parseLevel(lvl string) (slog.Level, bool) {
	switch lvl {
	case "debug", "DEBUG":
		return slog.LevelDebug, true
	case "info", "INFO":
		return slog.LevelInfo, true
	case "warn", "WARN", "warning", "WARNING":
		return slog.LevelWarn, true
	case "error", "ERROR":
		return slog.LevelError, true
	}
	return 0, false
}
