// internal/logger/logger.go
package logger

import (
	"log"
	"os"
	"strings"
)

type Logger struct {
	*log.Logger
	debug bool
}

func New() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

func NewLogger(prefix string) *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "["+prefix+"] ", log.LstdFlags),
	}
}

// NewWithLevel returns a logger whose Debug output is gated by level
// ("debug" enables it, anything else suppresses it).
func NewWithLevel(prefix, level string) *Logger {
	l := NewLogger(prefix)
	l.debug = strings.EqualFold(level, "debug")
	return l
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	if len(fields) == 0 {
		l.Printf("[INFO] %s", msg)
		return
	}
	l.Printf("[INFO] %s %v", msg, fields)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	if len(fields) == 0 {
		l.Printf("[WARN] %s", msg)
		return
	}
	l.Printf("[WARN] %s %v", msg, fields)
}

func (l *Logger) Error(msg string, err error) {
	l.Printf("[ERROR] %s: %v", msg, err)
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	if !l.debug {
		return
	}
	if len(fields) == 0 {
		l.Printf("[DEBUG] %s", msg)
		return
	}
	l.Printf("[DEBUG] %s %v", msg, fields)
}
