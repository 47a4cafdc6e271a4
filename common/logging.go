// Package common holds small shared helpers: logger construction and build
// metadata. Kept dependency-light so every package can import it.
package common

import (
	"log/slog"
	"os"
)

// LoggingOpts configures the root logger for a binary.
type LoggingOpts struct {
	// Debug lowers the handler level to slog.LevelDebug.
	Debug bool

	// JSON selects the JSON handler instead of text.
	JSON bool

	// Service is added as a 'service' attribute to all records.
	Service string

	// Version is added as a 'version' attribute to all records.
	Version string
}

// SetupLogger builds the process-wide structured logger. All binaries call
// this once and hand the result down; packages never construct their own
// root loggers.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}
