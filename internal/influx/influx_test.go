package influx

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasnote/livesync/internal/config"
	"github.com/atlasnote/livesync/internal/hub"
	"github.com/atlasnote/livesync/internal/monitor"
)

func unreachable() config.InfluxConfig {
	return config.InfluxConfig{
		Enabled:  true,
		Protocol: "http",
		Host:     "127.0.0.1",
		Port:     "1",
		Org:      "atlas",
		Bucket:   "livesync",
	}
}

func snapshot() monitor.Snapshot {
	return monitor.Snapshot{
		Time:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UserID: "u1",
		Map: &monitor.MapStatus{
			MapID:        "m1",
			Status:       hub.StatusConnected,
			Participants: 3,
			Idle:         1,
		},
		Playback: &monitor.PlaybackStatus{Phase: "playing", CurrentIndex: 2, IsPlaying: true},
	}
}

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.InfluxConfig{}, "")
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDisabled)
	assert.False(t, m.IsValid())
}

func TestServerURL(t *testing.T) {
	m := NewManager(zerolog.Nop(), unreachable(), "")
	assert.Equal(t, "http://127.0.0.1:1", m.ServerURL())
}

func TestWritePoint_NotConnected(t *testing.T) {
	m := NewManager(zerolog.Nop(), unreachable(), "")
	err := m.WriteSnapshot(context.Background(), snapshot())
	assert.Error(t, err)
}

func TestConnect_UnreachableNeedsBackupPath(t *testing.T) {
	m := NewManager(zerolog.Nop(), unreachable(), "")
	assert.Error(t, m.Connect(context.Background()))
}

func TestUnreachableWritesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.lp.gz")
	m := NewManager(zerolog.Nop(), unreachable(), path)

	require.NoError(t, m.Connect(context.Background()))
	assert.False(t, m.IsValid())

	require.NoError(t, m.WriteSnapshot(context.Background(), snapshot()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	line := string(data)
	assert.Contains(t, line, StatusMeasurement+",")
	assert.Contains(t, line, "mapId=m1")
	assert.Contains(t, line, "userId=u1")
	assert.Contains(t, line, "participants=3i")
	assert.Contains(t, line, "isPlaying=true")
}

func TestSnapshotPoint_Empty(t *testing.T) {
	p := SnapshotPoint(monitor.Snapshot{Time: time.Unix(10, 0)})
	require.Len(t, p.FieldList(), 1)
	assert.Equal(t, "alive", p.FieldList()[0].Key)
	assert.Empty(t, p.TagList())
}
