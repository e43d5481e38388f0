// internal/logging/logger.go
// Package logging provides a thin global wrapper around zap.Logger so that
// the tunneling core (internal/relay, internal/agentcore, their registries)
// can log without threading a logger through every constructor's call site.
//
// Intentionally minimal: one atomic pointer and a handful of accessors.
// Tests may swap the logger (e.g. to an observer core) without data races.
// Production binaries (cmd/flarego-relay, cmd/flarego-agentd) set it once
// at startup, then pass logging.Logger() into relay.New / agentcore.New.
package logging

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

// Set installs logger as the global logger. Calling Set again overwrites
// the previous one; nil silently downgrades to zap.NewNop() rather than
// panicking.
func Set(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	global.Store(logger)
}

// Logger returns the globally registered *zap.Logger, installing a no-op
// logger on first use if nothing has been set yet.
func Logger() *zap.Logger {
	if logger := global.Load(); logger != nil {
		return logger
	}
	nop := zap.NewNop()
	global.Store(nop)
	return nop
}

// Sugar is shorthand for Logger().Sugar().
func Sugar() *zap.SugaredLogger { return Logger().Sugar() }

// Initialised reports whether a non-nop logger has been installed.
func Initialised() bool {
	logger := global.Load()
	// A no-op core enables no level at all, so a logger whose core drops
	// even Fatal entries is the nop one.
	return logger != nil && logger.Core().Enabled(zapcore.FatalLevel)
}
