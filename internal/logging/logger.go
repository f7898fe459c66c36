package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	baseMu sync.Mutex
	base   *zap.Logger
)

// Logger provides structured logging for the worker
type Logger struct {
	prefix string
	sugar  *zap.SugaredLogger
}

// NewLogger creates a new logger with a prefix
func NewLogger(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		sugar:  baseLogger().Named(prefix).Sugar(),
	}
}

// SetBase replaces the zap logger every subsequently created Logger writes to.
func SetBase(l *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = l
}

// Sync flushes buffered log entries.
func Sync() {
	baseMu.Lock()
	defer baseMu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
}

func baseLogger() *zap.Logger {
	baseMu.Lock()
	defer baseMu.Unlock()
	if base != nil {
		return base
	}

	var (
		l   *zap.Logger
		err error
	)
	if os.Getenv("NODE_ENV") == "production" {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		l = zap.NewNop()
	}
	base = l
	return base
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Infof logs a printf-style line, used for the "[Job %s] Step N" progress trail.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.sugar.Info(fmt.Sprintf(format, args...))
}

// Warnf logs a printf-style warning.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.sugar.Warn(fmt.Sprintf(format, args...))
}

// Prefix returns the component name the logger was created with.
func (l *Logger) Prefix() string {
	return l.prefix
}
