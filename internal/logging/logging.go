// Package logging configures the daemon's zap loggers.
//
// The MCP front-end owns stdout for the wire protocol, so log output goes to
// a file under the user state directory (or stderr when no state directory is
// available). Subsystems obtain named child loggers via Named.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Debug switches to the development encoder at debug level.
	Debug bool

	// LogFile is an absolute path to the daemon log file. Empty writes to
	// stderr instead.
	LogFile string
}

var (
	mu   sync.Mutex
	root *zap.Logger
)

// Init builds the root logger. Safe to call more than once; the last call
// wins. Returns the root logger for the caller that owns the lifecycle.
func Init(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
			return nil, err
		}
		cfg.OutputPaths = []string{opts.LogFile}
		cfg.ErrorOutputPaths = []string{opts.LogFile}
	} else {
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	mu.Lock()
	root = logger
	mu.Unlock()
	return logger, nil
}

// Named returns a child logger for a subsystem. Before Init it returns a nop
// logger so tests and library consumers need no setup.
func Named(name string) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		return zap.NewNop()
	}
	return root.Named(name)
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if root != nil {
		_ = root.Sync()
	}
}
