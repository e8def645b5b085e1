// Package pkg provides shared utilities for the softpipe buffered pipe engine.
//
// This package contains common functionality used by the transfer devices,
// the pipe engine, and the device session, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for the engine's error taxonomy
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentPump, "pipe enabled", "pipe", "0x81")
//
// SetLogFormat and SetLogOutput rebuild the handler; SetLogLevel does not.
//
// # Errors
//
// Engine errors are sentinel values compared with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrTimeout) {
//	    // No data arrived in time; try again later
//	}
//
// [ErrTimeout] and [ErrStreamClosed] are recoverable; [ErrModeConflict] and
// [ErrInvalidArgument] indicate programming errors; [ErrDevice] wraps
// non-timeout failures reported by the transfer device.
//
// Device layers classify native completion codes as a [TransferStatus];
// [StatusOf] recovers the status from any wrapped engine error.
package pkg
