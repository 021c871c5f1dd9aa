package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	levelMu   sync.RWMutex
	baseLevel = new(slog.LevelVar)
	output    io.Writer = os.Stdout
)

// SetLevel sets the level for every logger created afterwards ("debug", "info", "warn", "error")
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		baseLevel.Set(slog.LevelDebug)
	case "warn", "warning":
		baseLevel.Set(slog.LevelWarn)
	case "error":
		baseLevel.Set(slog.LevelError)
	default:
		baseLevel.Set(slog.LevelInfo)
	}
}

// SetOutput redirects loggers created afterwards
func SetOutput(w io.Writer) {
	levelMu.Lock()
	defer levelMu.Unlock()
	output = w
}

// Logger provides structured logging for pipeline components
type Logger struct {
	prefix string
	logger *slog.Logger
}

// NewLogger creates a new logger with a component prefix
func NewLogger(prefix string) *Logger {
	levelMu.RLock()
	w := output
	levelMu.RUnlock()

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: baseLevel})
	return &Logger{
		prefix: prefix,
		logger: slog.New(handler).With("component", prefix),
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{
		prefix: "nop",
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// With returns a child logger carrying the given key-value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{prefix: l.prefix, logger: l.logger.With(keysAndValues...)}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

// AsynqLogger adapts Logger to asynq's Logger interface
type AsynqLogger struct {
	l *Logger
}

// NewAsynqLogger wraps l for use in asynq.Config
func NewAsynqLogger(l *Logger) *AsynqLogger {
	return &AsynqLogger{l: l}
}

func (a *AsynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a *AsynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a *AsynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a *AsynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

// Fatal logs and exits, as asynq expects
func (a *AsynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
