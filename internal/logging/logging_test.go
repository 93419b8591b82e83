// ABOUTME: Tests for logger construction and the console handler
// ABOUTME: Colour is disabled so lines can be matched as plain text

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, config.LoggingConfig{Level: "info", Format: "json"})

	logger.With("component", "registry").Info("session registered", "session_id", "s1")
	logger.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "session registered", rec["msg"])
	assert.Equal(t, "registry", rec["component"])
	assert.Equal(t, "s1", rec["session_id"])
}

func TestNew_Console(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := New(&buf, config.LoggingConfig{Level: "debug"})

	logger.With("component", "broker").WithGroup("amqp").Warn("connection lost", "retry_in", "5s")

	line := buf.String()
	assert.Contains(t, line, "WRN connection lost")
	assert.Contains(t, line, " component=broker")
	assert.Contains(t, line, " amqp.retry_in=5s")
}

func TestNew_ConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, config.LoggingConfig{Level: "error"})

	logger.Info("quiet")
	assert.Empty(t, buf.String())
}
