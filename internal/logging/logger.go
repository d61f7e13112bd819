package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// DefaultLogger is used by services that were not handed a logger explicitly.
var DefaultLogger = log.Default()

// New builds a logger writing to w at the given level (debug, info, warn, error).
// Unknown levels fall back to info.
func New(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
	})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// Init configures DefaultLogger the same way New configures a fresh logger.
func Init(level string) {
	DefaultLogger.SetTimeFormat("2006-01-02 15:04:05")
	DefaultLogger.SetReportTimestamp(true)
	DefaultLogger.SetLevel(ParseLevel(level))
}

// Discard returns a logger that drops everything, for tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// ParseLevel maps a config string to a log level.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// OrDefault returns l, or DefaultLogger when l is nil.
func OrDefault(l *log.Logger) *log.Logger {
	if l == nil {
		return DefaultLogger
	}
	return l
}
