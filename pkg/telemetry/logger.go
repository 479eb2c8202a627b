// Copyright 2025 Meridian Mesh Authors
//
// Package telemetry provides structured logging for the Trust Fabric Core.
// It wraps slog.Logger the same way the shared client libraries in this
// codebase do, so every component logs through one configurable sink.
package telemetry

import (
	"io"
	"log/slog"
	"os"
)

// Config controls logger construction.
type Config struct {
	Level     slog.Level
	Format    string // "json" or "text"
	Output    string // "stdout", "stderr", or a file path
	AddSource bool
}

// DefaultConfig returns the production default: info level, JSON to stdout.
func DefaultConfig() *Config {
	return &Config{
		Level:  slog.LevelInfo,
		Format: "json",
		Output: "stdout",
	}
}

// Logger wraps slog.Logger with the component name baked in as a field.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from cfg, defaulting to DefaultConfig() when nil.
func New(cfg *Config, component string) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = f
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler).With("component", component)}, nil
}

// Noop returns a Logger that discards everything, for tests.
func Noop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
