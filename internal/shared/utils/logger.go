package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	logDirEnvVar   = "CHAINREPORT_LOG_DIR"
	logLevelEnvVar = "CHAINREPORT_LOG_LEVEL"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

type LogCategory string

const (
	LogCategoryService LogCategory = "service"
	LogCategoryLatency LogCategory = "latency"
)

var (
	categoryMu      sync.Mutex
	categoryLoggers = make(map[LogCategory]*Logger)
)

// Logger writes formatted lines to stderr and, when CHAINREPORT_LOG_DIR is
// set, to a per-category log file.
type Logger struct {
	out       *log.Logger
	level     *levelHolder
	component string
	category  LogCategory
	logID     string
}

type levelHolder struct {
	mu    sync.RWMutex
	level LogLevel
}

func (h *levelHolder) get() LogLevel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.level
}

func (h *levelHolder) set(level LogLevel) {
	h.mu.Lock()
	h.level = level
	h.mu.Unlock()
}

// GetLogger returns the shared service logger.
func GetLogger() *Logger {
	return getOrCreateCategoryLogger(LogCategoryService)
}

// NewComponentLogger creates a logger for a specific component
func NewComponentLogger(component string) *Logger {
	return NewCategorizedLogger(LogCategoryService, component)
}

// NewLatencyLogger creates a logger dedicated to latency instrumentation output.
func NewLatencyLogger(component string) *Logger {
	return NewCategorizedLogger(LogCategoryLatency, component)
}

// NewCategorizedLogger creates a logger for a specific category and component.
func NewCategorizedLogger(category LogCategory, component string) *Logger {
	base := getOrCreateCategoryLogger(category)
	return &Logger{
		out:       base.out,
		level:     base.level,
		component: component,
		category:  category,
	}
}

// NewWriterLogger builds a standalone logger over w. Used by tests and
// commands that want to capture output.
func NewWriterLogger(w io.Writer, component string, level LogLevel) *Logger {
	return &Logger{
		out:       log.New(w, "", 0),
		level:     &levelHolder{level: level},
		component: component,
		category:  LogCategoryService,
	}
}

func getOrCreateCategoryLogger(category LogCategory) *Logger {
	categoryMu.Lock()
	defer categoryMu.Unlock()

	if logger, ok := categoryLoggers[category]; ok {
		return logger
	}

	logger := newLogger(category)
	categoryLoggers[category] = logger
	return logger
}

func newLogger(category LogCategory) *Logger {
	var sink io.Writer = os.Stderr
	if dir := strings.TrimSpace(os.Getenv(logDirEnvVar)); dir != "" {
		if file, err := openLogFile(dir, category); err != nil {
			log.Printf("Failed to open log file in %s: %v", dir, err)
		} else {
			sink = io.MultiWriter(os.Stderr, file)
		}
	}
	return &Logger{
		out:      log.New(sink, "", 0),
		level:    &levelHolder{level: ParseLevel(os.Getenv(logLevelEnvVar))},
		category: category,
	}
}

func openLogFile(dir string, category LogCategory) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("chainreport-%s.log", category))
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// ParseLevel maps a textual level to LogLevel, defaulting to INFO.
func ParseLevel(value string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// SetLevel sets the minimum log level for every logger sharing this sink.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.set(level)
}

// WithLogID returns a shallow copy of the logger that tags log lines with a log id.
func (l *Logger) WithLogID(logID string) *Logger {
	if l == nil {
		return nil
	}
	if strings.TrimSpace(logID) == "" {
		return l
	}
	cp := *l
	cp.logID = logID
	return &cp
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if l == nil || l.out == nil || level < l.level.get() {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [SERVICE] [Component] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	component := l.component
	if component == "" {
		component = "CHAINREPORT"
	}
	category := strings.ToUpper(string(l.category))
	if category == "" {
		category = "SERVICE"
	}

	message := fmt.Sprintf(format, args...)
	if logID := strings.TrimSpace(l.logID); logID != "" {
		l.out.Printf("%s [%s] [%s] [%s] [log_id=%s] %s:%d - %s",
			timestamp, levelToString(level), category, component, logID, file, line, message)
		return
	}
	l.out.Printf("%s [%s] [%s] [%s] %s:%d - %s",
		timestamp, levelToString(level), category, component, file, line, message)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
