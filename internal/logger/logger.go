// Package logger provides structured logging setup for becoin.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"becoin/internal/config"
)

// New creates a *slog.Logger from the given Logging config. Records go to
// stderr so command output on stdout stays machine readable.
func New(cfg config.Logging) *slog.Logger {
	return NewTo(os.Stderr, cfg)
}

// NewTo is New with an explicit destination.
func NewTo(w io.Writer, cfg config.Logging) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	service := cfg.Service
	if service == "" {
		service = "becoin"
	}
	return slog.New(handler).With("service", service)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
