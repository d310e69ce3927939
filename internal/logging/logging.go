package logging

import (
	"log"
	"os"
)

// Logger is a simple logger that writes to the console.
type Logger struct {
	*log.Logger
	component string
}

// NewLogger creates a new Logger.
func NewLogger() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

// WithComponent returns a logger whose messages are prefixed with the
// component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger, component: name}
}

func (l *Logger) logf(level, msg string, args ...interface{}) {
	prefix := level + ": "
	if l.component != "" {
		prefix += "[" + l.component + "] "
	}
	l.Printf(prefix+msg, args...)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.logf("INFO", msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.logf("WARN", msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.logf("ERROR", msg, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.logf("DEBUG", msg, args...)
}
