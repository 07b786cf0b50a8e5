package async

import (
	"fmt"
	"runtime/debug"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// PanicError carries a recovered panic value so callers can surface it as an
// ordinary error.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("panic: %v", e.Value)
	}
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, debug.Stack())
	}
}

// Call runs fn and converts a panic into a *PanicError. It never re-panics.
func Call(logger PanicLogger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logPanic(logger, name, r, stack)
			err = &PanicError{Name: name, Value: r, Stack: stack}
		}
	}()
	return fn()
}

func logPanic(logger PanicLogger, name string, value any, stack []byte) {
	if logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", value, stack)
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, value, stack)
}
