package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Component identifies a subsystem for log filtering.
type Component string

// Pipe engine component identifiers.
const (
	ComponentHAL      Component = "hal"
	ComponentSession  Component = "session"
	ComponentPump     Component = "pump"
	ComponentNotifier Component = "notifier"
	ComponentStream   Component = "stream"
	ComponentPacket   Component = "packet"
	ComponentMetrics  Component = "metrics"
	ComponentConfig   Component = "config"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // key=value pairs (default)
	LogFormatJSON                  // one JSON object per line
)

// ParseLogFormat maps "json" to LogFormatJSON and anything else to text.
func ParseLogFormat(s string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return LogFormatJSON
	}
	return LogFormatText
}

// ParseLogLevel maps a level name to a slog level. Unknown names yield warn.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// =============================================================================
// Logger State
// =============================================================================

var (
	// level is shared by every handler built here, so SetLogLevel takes
	// effect without rebuilding the logger.
	level = new(slog.LevelVar)

	current atomic.Pointer[slog.Logger]

	// outputMu serializes handler rebuilds in SetLogFormat and SetLogOutput.
	outputMu sync.Mutex
	output   io.Writer = os.Stderr
	format   LogFormat
)

func init() {
	level.Set(slog.LevelWarn)
	current.Store(build(output, format))
}

func build(w io.Writer, f LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger returns the logger every Log* call writes to.
func Logger() *slog.Logger {
	return current.Load()
}

// SetLogger replaces the logger. A nil logger restores the built-in one.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		outputMu.Lock()
		logger = build(output, format)
		outputMu.Unlock()
	}
	current.Store(logger)
}

// SetLogLevel sets the minimum level of the built-in handlers.
func SetLogLevel(l slog.Level) {
	level.Set(l)
}

// GetLogLevel returns the minimum level of the built-in handlers.
func GetLogLevel() slog.Level {
	return level.Level()
}

// SetLogFormat rebuilds the logger with format, keeping the current output.
func SetLogFormat(f LogFormat) {
	outputMu.Lock()
	defer outputMu.Unlock()
	format = f
	current.Store(build(output, format))
}

// SetLogOutput rebuilds the logger to write to w, keeping the current format.
func SetLogOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
	current.Store(build(output, format))
}

// NewLogger creates a text logger writing to w. Nil opts share the package
// level.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: level}
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewJSONLogger creates a JSON logger writing to w. Nil opts share the
// package level.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: level}
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// =============================================================================
// Component Logging
// =============================================================================

// logAt tags the record with component. The enabled check runs first so
// disabled debug lines in the pump loop cost no allocation.
func logAt(l slog.Level, component Component, msg string, args []any) {
	logger := current.Load()
	ctx := context.Background()
	if !logger.Enabled(ctx, l) {
		return
	}
	logger.Log(ctx, l, msg, append([]any{slog.String("component", string(component))}, args...)...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
