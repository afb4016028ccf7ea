// Package logging configures the structured pterm logger shared by every
// component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/mossy-p/blink-signaling/config"
)

// New builds a logger writing to w with the configured level and format.
func New(cfg config.LogConfig, w io.Writer) *pterm.Logger {
	logger := pterm.DefaultLogger.
		WithLevel(ParseLevel(cfg.Level)).
		WithWriter(w).
		WithTime(true)
	logger.TimeFormat = "02 Jan 15:04:05"
	logger.MaxWidth = 1000
	if strings.EqualFold(cfg.Format, "json") {
		logger = logger.WithFormatter(pterm.LogFormatterJSON)
	}
	return logger
}

// Default logs at info level to stderr.
func Default() *pterm.Logger {
	return New(config.LogConfig{Level: "info"}, os.Stderr)
}

// Discard drops everything; used by tests.
func Discard() *pterm.Logger {
	return pterm.DefaultLogger.WithWriter(io.Discard).WithLevel(pterm.LogLevelDisabled)
}

// OrDefault returns l, or Default when l is nil.
func OrDefault(l *pterm.Logger) *pterm.Logger {
	if l == nil {
		return Default()
	}
	return l
}

// ParseLevel maps a level name onto pterm. Unknown names fall back to info.
func ParseLevel(level string) pterm.LogLevel {
	switch strings.ToLower(level) {
	case "trace":
		return pterm.LogLevelTrace
	case "debug":
		return pterm.LogLevelDebug
	case "warn", "warning":
		return pterm.LogLevelWarn
	case "error":
		return pterm.LogLevelError
	case "off", "disabled":
		return pterm.LogLevelDisabled
	default:
		return pterm.LogLevelInfo
	}
}
