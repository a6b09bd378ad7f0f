// Package logger configures process-wide structured logging on Go's
// log/slog. Each binary calls Init once with its service name; engine hot
// paths keep their stdlib log.Printf("[component] ...") lines, which
// slog.SetDefault routes through the same JSON handler.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON logger writing to w with the service name attached to
// every record.
func New(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("service", service))
}

// Init installs the service logger as the process default and returns it.
// After Init, both slog and the stdlib log package emit JSON to stdout.
func Init(service, level string) *slog.Logger {
	logger := New(os.Stdout, service, ParseLevel(level))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog level. Unknown values fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
