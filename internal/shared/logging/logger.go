// Package logging is the logger contract chainreport components depend on.
// Concrete output lives in shared/utils; packages here only see Logger.
package logging

import (
	"reflect"

	"chainreport/internal/shared/utils"
)

// Logger is printf-style. Agents, stores and schedulers receive one through
// an option and log with it; nil is always replaced by Nop.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop discards everything. Tests pass it to keep output quiet.
func Nop() Logger {
	return nopLogger{}
}

// OrNop guards option setters: a nil interface or a typed nil pointer such
// as (*utils.Logger)(nil) both become Nop.
func OrNop(logger Logger) Logger {
	if isNil(logger) {
		return Nop()
	}
	return logger
}

func isNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	v := reflect.ValueOf(logger)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// NewComponentLogger is the service logger tagged with component, e.g.
// "RateLimiter" or "Sweeper".
func NewComponentLogger(component string) Logger {
	return utils.NewComponentLogger(component)
}

// NewLatencyLogger writes to the latency category used for pipeline timing.
func NewLatencyLogger(component string) Logger {
	return utils.NewLatencyLogger(component)
}

// WithLogID scopes logger to one sweep run or report so its lines can be
// grepped together. Loggers other than the service logger come back as is.
func WithLogID(logger Logger, logID string) Logger {
	logger = OrNop(logger)
	if concrete, ok := logger.(*utils.Logger); ok && logID != "" {
		return concrete.WithLogID(logID)
	}
	return logger
}
