// Package influx writes status snapshots to InfluxDB, falling back to a
// gzipped line-protocol backup file when the server is unreachable.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/atlasnote/livesync/internal/config"
	"github.com/atlasnote/livesync/internal/monitor"
)

// ErrDisabled is returned by Connect when influx.enabled is false.
var ErrDisabled = errors.New("influx: disabled")

// StatusMeasurement is the measurement status snapshots are written as.
const StatusMeasurement = "livesync_status"

// Manager handles InfluxDB connections and writes.
type Manager struct {
	cfg        config.InfluxConfig
	logger     zerolog.Logger
	backupPath string

	mu           sync.Mutex
	client       influxdb2.Client
	writer       influxdb2_api.WriteAPI
	backupFile   *os.File
	backupWriter *gzip.Writer
	isValid      bool
}

// NewManager creates a new InfluxDB manager.
func NewManager(log zerolog.Logger, cfg config.InfluxConfig, backupPath string) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     log,
		backupPath: backupPath,
	}
}

// ServerURL is the InfluxDB base URL built from the configuration.
func (m *Manager) ServerURL() string {
	return fmt.Sprintf("%s://%s:%s", m.cfg.Protocol, m.cfg.Host, m.cfg.Port)
}

// IsValid reports whether points go to the server rather than the backup file.
func (m *Manager) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isValid
}

// Connect establishes a connection to InfluxDB. When the server does not
// answer a ping, points are written to the backup file instead.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(
		m.ServerURL(),
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := client.Ping(ctx)
	if err != nil || !running {
		client.Close()
		m.logger.Warn().Err(err).Str("backupPath", m.backupPath).
			Msg("InfluxDB unreachable, writing to backup file")
		return m.openBackup()
	}

	if err := m.setupOrganizationAndBucket(ctx, client); err != nil {
		client.Close()
		return err
	}

	writer := client.WriteAPI(m.cfg.Org, m.cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.logger.Error().Err(writeErr).Str("bucket", m.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(writer.Errors())

	m.mu.Lock()
	m.client = client
	m.writer = writer
	m.isValid = true
	m.mu.Unlock()

	m.logger.Info().Str("url", m.ServerURL()).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backupWriter != nil {
		return nil
	}
	if m.backupPath == "" {
		return fmt.Errorf("influx: unreachable and no backup path set")
	}
	file, err := os.OpenFile(m.backupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.backupFile = file
	m.backupWriter = gzip.NewWriter(file)
	return nil
}

func (m *Manager) setupOrganizationAndBucket(ctx context.Context, client influxdb2.Client) error {
	orgName := m.cfg.Org

	// ensure org exists
	org, err := client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.logger.Info().Str("org", orgName).Msg("Organization not found, creating")
		org, err = client.OrganizationsAPI().CreateOrganizationWithName(ctx, orgName)
		if err != nil {
			return fmt.Errorf("creating organization %s: %w", orgName, err)
		}
	}

	// ensure bucket exists with 90 day retention
	if _, err := client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err != nil {
		m.logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")
		rule := domain.RetentionRuleTypeExpire
		_, err = client.BucketsAPI().CreateBucketWithName(ctx, org, m.cfg.Bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: 60 * 60 * 24 * 90,
		})
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", m.cfg.Bucket, err)
		}
	}
	return nil
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isValid {
		m.writer.WritePoint(point)
		return nil
	}
	if m.backupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}

	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.backupWriter.Write([]byte(lineProtocol)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// WriteSnapshot implements monitor.Sink.
func (m *Manager) WriteSnapshot(_ context.Context, snap monitor.Snapshot) error {
	return m.WritePoint(SnapshotPoint(snap))
}

// SnapshotPoint converts a status snapshot to a point. Ids and channel
// states are tags, counters are fields.
func SnapshotPoint(snap monitor.Snapshot) *influxdb2_write.Point {
	point := influxdb2_write.NewPointWithMeasurement(StatusMeasurement).SetTime(snap.Time)
	if snap.UserID != "" {
		point.AddTag("userId", snap.UserID)
	}

	if ms := snap.Map; ms != nil {
		point.AddTag("mapId", ms.MapID)
		point.AddTag("mapStatus", string(ms.Status))
		point.AddField("participants", ms.Participants)
		point.AddField("idleParticipants", ms.Idle)
		point.AddField("selections", ms.Selections)
		point.AddField("pendingWrites", ms.PendingWrites)
	}
	if ss := snap.Session; ss != nil {
		point.AddTag("sessionId", ss.SessionID)
		point.AddTag("sessionStatus", string(ss.Status))
	}
	if pb := snap.Playback; pb != nil {
		point.AddTag("phase", pb.Phase)
		point.AddField("segmentIndex", pb.CurrentIndex)
		point.AddField("isPlaying", pb.IsPlaying)
		point.AddField("pendingPlay", pb.PendingPlay)
	}
	if len(point.FieldList()) == 0 {
		point.AddField("alive", true)
	}
	return point
}

// Close flushes pending points and releases the client or backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer != nil {
		m.writer.Flush()
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
		m.writer = nil
	}
	m.isValid = false

	var err error
	if m.backupWriter != nil {
		err = m.backupWriter.Close()
		if cerr := m.backupFile.Close(); err == nil {
			err = cerr
		}
		m.backupWriter = nil
		m.backupFile = nil
	}
	return err
}
