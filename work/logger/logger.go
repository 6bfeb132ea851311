package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity threshold for emitted log messages.
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// currentLevel holds the process-wide log level. Atomic so request handlers
// can query it on hot paths without taking a lock.
var currentLevel atomic.Int32

func init() {
	currentLevel.Store(int32(INFO))
}

// ParseLevel converts a level name into a LogLevel, defaulting to INFO
// for unrecognized input.
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLevel sets the process-wide log level from a level name.
func SetLevel(level string) {
	currentLevel.Store(int32(ParseLevel(level)))
}

// Level returns the current process-wide log level as a string.
func Level() string {
	switch LogLevel(currentLevel.Load()) {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// DebugEnabled reports whether debug messages are currently emitted. Handlers
// use this to skip building expensive debug strings.
func DebugEnabled() bool {
	return LogLevel(currentLevel.Load()) <= DEBUG
}

func logMessage(tag string, format string, v ...interface{}) {
	log.Printf("[%s] %s", tag, fmt.Sprintf(format, v...))
}

// Debug logs a debug level message.
func Debug(format string, v ...interface{}) {
	if LogLevel(currentLevel.Load()) <= DEBUG {
		logMessage("DEBUG", format, v...)
	}
}

// Info logs an info level message.
func Info(format string, v ...interface{}) {
	if LogLevel(currentLevel.Load()) <= INFO {
		logMessage("INFO", format, v...)
	}
}

// Warn logs a warning level message.
func Warn(format string, v ...interface{}) {
	if LogLevel(currentLevel.Load()) <= WARN {
		logMessage("WARN", format, v...)
	}
}

// Error logs an error level message.
func Error(format string, v ...interface{}) {
	if LogLevel(currentLevel.Load()) <= ERROR {
		logMessage("ERROR", format, v...)
	}
}
