// Package log provides structured logging for the crew coordinator,
// backed by log/slog.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type Config struct {
	Level  slog.Level
	Format Format
	Output io.Writer
}

func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: FormatText,
		Output: os.Stderr,
	}
}

// New builds a slog.Logger from the config.
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

// FromEnv builds a logger configured by CREW_LOG_LEVEL and CREW_LOG_FORMAT.
func FromEnv() *slog.Logger {
	cfg := DefaultConfig()

	switch strings.ToLower(os.Getenv("CREW_LOG_LEVEL")) {
	case "debug":
		cfg.Level = slog.LevelDebug
	case "warn":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	}
	if strings.EqualFold(os.Getenv("CREW_LOG_FORMAT"), "json") {
		cfg.Format = FormatJSON
	}
	return New(cfg)
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
