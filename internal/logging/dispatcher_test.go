package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewDispatcherLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	l.Warn("queue full", "type", "UserJoined", "error", errors.New("boom"), "dangling")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "queue full", entry["message"])
	assert.Equal(t, "dispatcher", entry["component"])
	assert.Equal(t, "UserJoined", entry["type"])
	assert.Equal(t, "boom", entry["error"])
	assert.NotContains(t, entry, "dangling")
}

func TestDispatcherLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewDispatcherLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	l.Debug("hidden")
	assert.Empty(t, buf.String())

	l.Info("shown")
	l.Error("failed")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "failed")
}

func TestToFields_SkipsNonStringKeys(t *testing.T) {
	fields := toFields([]any{1, "x", "ok", 2})
	assert.Equal(t, map[string]any{"ok": 2}, fields)
}
