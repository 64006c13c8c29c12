// Package pkg provides shared utilities for the softbridge firmware.
//
// This package contains common functionality used by every firmware
// component, including:
//
//   - Structured logging backed by [go.uber.org/zap]
//   - Sentinel error types for USB, BOT, link and flash errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps zap with component context:
//
//	pkg.SetLogLevel(zapcore.DebugLevel)
//	pkg.LogInfo(pkg.ComponentLink, "state changed", "to", "READY")
//
// Collaborators that accept a [github.com/go-logr/logr.Logger] get one from
// [Logr].
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrTimeout) {
//	    // escalate to recovery
//	}
package pkg
