// Package observability defines shared logging and telemetry primitives.
package observability

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var (
	loggerMu      sync.RWMutex
	defaultLogger Logger = noopLogger{}
)

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// Level gates text logger output.
type Level int

const (
	// LevelDebug enables all output.
	LevelDebug Level = iota
	// LevelInfo suppresses debug output.
	LevelInfo
	// LevelWarn suppresses debug and info output.
	LevelWarn
	// LevelError only emits errors.
	LevelError
)

// ParseLevel maps a config string onto a Level, defaulting to info.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// TextLogger writes key=value lines, one record per line.
type TextLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
	clock func() time.Time
}

// NewTextLogger constructs a text logger writing to out at the given level.
func NewTextLogger(out io.Writer, level Level) *TextLogger {
	return &TextLogger{out: out, level: level, clock: time.Now}
}

// Debug logs at debug level.
func (l *TextLogger) Debug(msg string, fields ...Field) { l.write(LevelDebug, "DEBUG", msg, fields) }

// Info logs at info level.
func (l *TextLogger) Info(msg string, fields ...Field) { l.write(LevelInfo, "INFO", msg, fields) }

// Warn logs at warn level.
func (l *TextLogger) Warn(msg string, fields ...Field) { l.write(LevelWarn, "WARN", msg, fields) }

// Error logs at error level.
func (l *TextLogger) Error(msg string, fields ...Field) { l.write(LevelError, "ERROR", msg, fields) }

func (l *TextLogger) write(level Level, tag, msg string, fields []Field) {
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(l.clock().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", f.Value)
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, b.String())
}
