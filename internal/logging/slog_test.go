package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasnote/livesync/internal/room"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = orig })
	return &buf
}

func TestSetup_WritesToFile(t *testing.T) {
	out := captureStdout(t)
	var file bytes.Buffer

	m := NewSlogManager()
	m.Setup(&file, "debug", nil)
	m.Logger().Debug("hello", "k", "v")

	assert.Contains(t, file.String(), "Logging initialized")
	assert.Contains(t, file.String(), "msg=hello")
	assert.Contains(t, file.String(), "k=v")
	assert.Empty(t, out.String())
}

func TestSetup_StdoutWhenNoFile(t *testing.T) {
	out := captureStdout(t)

	m := NewSlogManager()
	m.Setup(nil, "info", nil)
	m.Logger().Info("to console")

	assert.Contains(t, out.String(), "to console")
}

func TestSetup_LevelFilters(t *testing.T) {
	var file bytes.Buffer
	m := NewSlogManager()
	m.Setup(&file, "warn", nil)

	m.Logger().Info("quiet")
	m.Logger().Warn("loud")

	assert.NotContains(t, file.String(), "quiet")
	assert.Contains(t, file.String(), "loud")
}

func TestSetup_StampsRoomContext(t *testing.T) {
	var file bytes.Buffer
	rc := room.NewContext(room.Identity{UserID: "u-1"})

	m := NewSlogManager()
	m.SetRoomContext(rc)
	m.Setup(&file, "info", nil)

	rc.SetMap("map-9")
	m.Component("presence").Info("joined")

	line := file.String()
	assert.Contains(t, line, "component=presence")
	assert.Contains(t, line, "userId=u-1")
	assert.Contains(t, line, "mapId=map-9")
	assert.NotContains(t, line, "sessionId")
}

func TestLogger_DefaultBeforeSetup(t *testing.T) {
	m := NewSlogManager()
	assert.Equal(t, slog.Default(), m.Logger())
	assert.NoError(t, m.Flush(context.Background()))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}

type recordingHandler struct {
	level   slog.Level
	records []slog.Record
	attrs   []slog.Attr
	groups  []string
	err     error
}

func (h *recordingHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return h.err
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recordingHandler{level: h.level, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...), groups: h.groups}
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	return &recordingHandler{level: h.level, attrs: h.attrs, groups: append(append([]string{}, h.groups...), name)}
}

func TestMultiHandler_FanOut(t *testing.T) {
	a := &recordingHandler{level: slog.LevelDebug}
	b := &recordingHandler{level: slog.LevelWarn}
	logger := slog.New(NewMultiHandler(a, nil, b))

	logger.Info("info")
	logger.Error("error")

	assert.Len(t, a.records, 2)
	require.Len(t, b.records, 1)
	assert.Equal(t, "error", b.records[0].Message)
}

func TestMultiHandler_Enabled(t *testing.T) {
	h := NewMultiHandler(&recordingHandler{level: slog.LevelWarn})
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
	assert.False(t, NewMultiHandler().Enabled(context.Background(), slog.LevelError))
}

func TestMultiHandler_WithAttrsAndGroup(t *testing.T) {
	a := &recordingHandler{}
	h := NewMultiHandler(a)

	derived := h.WithAttrs([]slog.Attr{slog.String("k", "v")}).(*MultiHandler)
	inner := derived.handlers[0].(*recordingHandler)
	assert.Equal(t, "k", inner.attrs[0].Key)

	grouped := h.WithGroup("g").(*MultiHandler)
	assert.Equal(t, []string{"g"}, grouped.handlers[0].(*recordingHandler).groups)
	assert.Same(t, h, h.WithGroup(""))
}

func TestMultiHandler_HandleJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	a := &recordingHandler{err: errA}
	ok := &recordingHandler{}
	b := &recordingHandler{err: errB}

	err := NewMultiHandler(a, ok, b).Handle(context.Background(), slog.Record{Level: slog.LevelInfo})

	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Len(t, ok.records, 1)
}

func TestContextHandler_ProviderCalledPerRecord(t *testing.T) {
	inner := &recordingHandler{}
	calls := 0
	h := NewContextHandler(inner, func() []slog.Attr {
		calls++
		return []slog.Attr{slog.Int("n", calls)}
	})
	logger := slog.New(h)

	logger.Info("one")
	logger.Info("two")

	require.Len(t, inner.records, 2)
	var got []int64
	for _, r := range inner.records {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "n" {
				got = append(got, a.Value.Int64())
			}
			return true
		})
	}
	assert.Equal(t, []int64{1, 2}, got)
}
