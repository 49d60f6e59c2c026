// Package klog provides the leveled, structured logging every other
// package in the core uses for the diagnostics spec.md §7 requires
// ("All kernel-internal diagnostic failures are logged at the configured
// level"). It is a thin wrapper over zap so call sites stay short. The
// package only installs the process-wide logger and its minimum level;
// each call site picks its own level (resource exhaustion/invariant ->
// Error, backpressure -> Debug, i/o failure -> Warn).
package klog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger = zap.NewNop()
)

// Init installs the process-wide logger at the given level. Levels are the
// standard zapcore names: "debug", "info", "warn", "error".
func Init(level string) error {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"

	l, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	logger = l
	mu.Unlock()

	return nil
}

func get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Named returns a child logger scoped to the given subsystem, e.g.
// klog.Named("ipv4").
func Named(name string) *zap.Logger {
	return get().Named(name)
}

// Sync flushes any buffered log entries, best effort.
func Sync() {
	_ = get().Sync()
}
