package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_TextFormatWithCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatText, Output: &buf})

	logger.DebugContext(WithStepID(context.Background(), "s1"), "hello")

	assert.Contains(t, buf.String(), "step_id=s1")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("dropped")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestFromEnv(t *testing.T) {
	t.Setenv("AGENTSCRIPT_DEBUG", "")
	t.Setenv("AGENTSCRIPT_LOG_LEVEL", "ERROR")
	t.Setenv("AGENTSCRIPT_LOG_FORMAT", "text")

	cfg := FromEnv()
	assert.Equal(t, "error", cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)

	t.Setenv("AGENTSCRIPT_DEBUG", "1")
	cfg = FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}
