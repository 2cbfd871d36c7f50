package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Standard field keys.
const (
	WorkflowKey  = "workflow"
	StepKey      = "step"
	HookPointKey = "hook_point"
	HookIDKey    = "hook_id"
	DurationKey  = "duration_ms"
	ErrorKey     = "error"
)

// Config holds the logging configuration.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns info-level JSON logging to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from the environment:
//   - AGENTSCRIPT_DEBUG: true/1 enables debug level and source locations
//   - AGENTSCRIPT_LOG_LEVEL: debug, info, warn, error
//   - AGENTSCRIPT_LOG_FORMAT: json, text
func FromEnv() *Config {
	cfg := DefaultConfig()

	if d := os.Getenv("AGENTSCRIPT_DEBUG"); d == "true" || d == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	} else if lvl := os.Getenv("AGENTSCRIPT_LOG_LEVEL"); lvl != "" {
		cfg.Level = strings.ToLower(lvl)
	}
	if f := os.Getenv("AGENTSCRIPT_LOG_FORMAT"); f != "" {
		cfg.Format = Format(strings.ToLower(f))
	}
	return cfg
}

// New creates a logger whose records carry correlation IDs from the context.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}

	var h slog.Handler
	if cfg.Format == FormatText {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return slog.New(NewCorrelationHandler(h))
}

// ParseLevel maps a level name to an slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
