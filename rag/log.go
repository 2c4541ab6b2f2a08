// Package rag holds the building blocks of the DocuWise pipeline: document
// parsing, sliding-window chunking, embedding, the flat vector index, the
// vector database backends and the keyword index used for hybrid retrieval.
//
// Every component logs through the leveled key-value Logger defined here.
package rag

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel is the verbosity of a Logger. Higher values log more.
type LogLevel int

const (
	// LogLevelOff disables all logging
	LogLevelOff LogLevel = iota
	// LogLevelError logs only errors
	LogLevelError
	// LogLevelWarn logs errors and warnings
	LogLevelWarn
	// LogLevelInfo logs errors, warnings and informational messages
	LogLevelInfo
	// LogLevelDebug logs everything
	LogLevelDebug
)

// Logger is the logging contract shared by all DocuWise components.
// Messages carry optional key-value pairs: Info("ingested", "file", name, "chunks", n).
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	SetLevel(level LogLevel)
}

// DefaultLogger writes "LEVEL msg key=value ..." lines through the standard
// log package.
type DefaultLogger struct {
	mu     sync.RWMutex
	logger *log.Logger
	level  LogLevel
}

// NewLogger returns a DefaultLogger writing to os.Stderr.
func NewLogger(level LogLevel) Logger {
	return NewLoggerWithWriter(os.Stderr, level)
}

// NewLoggerWithWriter returns a DefaultLogger writing to w.
func NewLoggerWithWriter(w io.Writer, level LogLevel) Logger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

// SetLevel changes the minimum level that gets written.
func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *DefaultLogger) log(level LogLevel, msg string, keysAndValues ...interface{}) {
	l.mu.RLock()
	enabled := level <= l.level
	l.mu.RUnlock()
	if !enabled {
		return
	}
	l.logger.Print(formatLine(level, msg, keysAndValues))
}

func (l *DefaultLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(LogLevelDebug, msg, keysAndValues...)
}

func (l *DefaultLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log(LogLevelInfo, msg, keysAndValues...)
}

func (l *DefaultLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(LogLevelWarn, msg, keysAndValues...)
}

func (l *DefaultLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log(LogLevelError, msg, keysAndValues...)
}

// formatLine renders the pairs as key=value. A trailing key without a value
// is written as key=MISSING.
func formatLine(level LogLevel, msg string, keysAndValues []interface{}) string {
	var b strings.Builder
	b.WriteString(level.String())
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i < len(keysAndValues); i += 2 {
		b.WriteByte(' ')
		b.WriteString(fmt.Sprint(keysAndValues[i]))
		b.WriteByte('=')
		if i+1 < len(keysAndValues) {
			b.WriteString(fmt.Sprint(keysAndValues[i+1]))
		} else {
			b.WriteString("MISSING")
		}
	}
	return b.String()
}

// String returns the upper-case name of the level.
func (l LogLevel) String() string {
	names := [...]string{"OFF", "ERROR", "WARN", "INFO", "DEBUG"}
	if l < 0 || int(l) >= len(names) {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return names[l]
}

// UnmarshalText lets a LogLevel be read from configuration files and
// environment variables ("debug", "INFO", ...).
func (l *LogLevel) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "OFF":
		*l = LogLevelOff
	case "ERROR":
		*l = LogLevelError
	case "WARN", "WARNING":
		*l = LogLevelWarn
	case "INFO":
		*l = LogLevelInfo
	case "DEBUG":
		*l = LogLevelDebug
	default:
		return fmt.Errorf("invalid log level: %s", string(text))
	}
	return nil
}

// ParseLogLevel is UnmarshalText for plain strings.
func ParseLogLevel(s string) (LogLevel, error) {
	var l LogLevel
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// GlobalLogger is used by every component that was not given its own Logger.
var GlobalLogger Logger = NewLogger(LogLevelInfo)

// SetGlobalLogLevel adjusts the verbosity of GlobalLogger.
func SetGlobalLogLevel(level LogLevel) {
	GlobalLogger.SetLevel(level)
}
