// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Logging - module/method filtered logging on top of zap.
package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu             sync.RWMutex
	verbose        bool
	verboseAll     bool
	verboseFilters = map[string]bool{}
	sugar          = newDefaultLogger().Sugar()
)

// Options selects the zap encoder used by Init.
type Options struct {
	// Development enables the human friendly development encoder with caller info.
	Development bool
	// JSON switches the production logger to the JSON encoder.
	JSON bool
}

func newDefaultLogger() *zap.Logger {
	l, err := buildLogger(Options{})
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func buildLogger(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if opts.JSON {
			cfg.Encoding = "json"
		}
	}
	// debug output is filtered by SetVerbose, not by the zap level
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	cfg.DisableStacktrace = true
	return cfg.Build(zap.AddCallerSkip(1))
}

// Init replaces the process logger with one built from opts.
func Init(opts Options) error {
	l, err := buildLogger(opts)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// SetLogger installs l as the backend. Tests pass zap.NewNop() or an observer core.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	sugar = l.Sugar()
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	s := sugar
	mu.RUnlock()
	_ = s.Sync()
}

func logger() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// SetVerbose sets the verbose logging mode with granular filtering
// Examples:
//   - "" or "false": disable all verbose logging
//   - "true", "1" or "all": enable all verbose logging
//   - "pool,nip77": enable verbose for the pool and nip77 modules
//   - "nip77.Sync,connection": enable the nip77.Sync method and all of the connection module
//
// This function is typically called early in main() with the VERBOSE setting.
func SetVerbose(verboseStr string) {
	mu.Lock()
	defer mu.Unlock()

	verboseFilters = make(map[string]bool)
	verboseAll = false
	verbose = false

	verboseStr = strings.TrimSpace(verboseStr)
	if verboseStr == "" || verboseStr == "false" || verboseStr == "0" {
		return
	}

	if verboseStr == "true" || verboseStr == "all" || verboseStr == "1" {
		verbose = true
		verboseAll = true
		return
	}

	for _, filter := range strings.Split(verboseStr, ",") {
		filter = strings.TrimSpace(filter)
		if filter != "" {
			verboseFilters[filter] = true
			verbose = true
		}
	}
}

// IsVerbose checks if verbose logging is enabled for a specific module or method
func IsVerbose(module string, method string) bool {
	mu.RLock()
	defer mu.RUnlock()

	if !verbose {
		return false
	}
	if verboseAll {
		return true
	}
	if method != "" && verboseFilters[module+"."+method] {
		return true
	}
	return verboseFilters[module]
}

// DebugMethod logs debug messages for a specific module.method (only in verbose mode)
func DebugMethod(module string, method string, format string, v ...interface{}) {
	if IsVerbose(module, method) {
		logger().Debugf(module+"."+method+": "+format, v...)
	}
}

// Info logs informational messages (always shown)
func Info(format string, v ...interface{}) {
	logger().Infof(format, v...)
}

// Warn logs warning messages (always shown)
func Warn(format string, v ...interface{}) {
	logger().Warnf(format, v...)
}

// Error logs error messages (always shown)
func Error(format string, v ...interface{}) {
	logger().Errorf(format, v...)
}

// Fatal logs error messages and exits with status code 1
func Fatal(format string, v ...interface{}) {
	logger().Fatalf(format, v...)
}
