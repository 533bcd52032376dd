// Package sqlitestorage implements the storage.Backend interface on SQLite.
// It wraps the GORM backend; the only SQLite-specific concerns are opening
// the file or in-memory database and the periodic VACUUM INTO dump of an
// in-memory database.
package sqlitestorage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"github.com/atlasnote/livesync/internal/database"
	gormstorage "github.com/atlasnote/livesync/internal/storage/gorm"
)

// Config holds configuration for the SQLite storage backend.
type Config struct {
	Path         string // empty for an in-memory database
	DumpInterval time.Duration
	DumpPath     string // target of periodic VACUUM INTO dumps
}

// Backend wraps the GORM backend for SQLite-specific behavior.
type Backend struct {
	*gormstorage.Backend
	db       *gorm.DB
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the SQLite database described by cfg.
func New(cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Backend, error) {
	db, err := database.GetSqliteDB(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite DB: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Backend{
		Backend:  gormstorage.New(gormstorage.Dependencies{DB: db, Clock: clock, Logger: logger}),
		db:       db,
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With("component", "sqlite"),
		stopChan: make(chan struct{}),
	}, nil
}

// Init migrates the schema and starts the dump goroutine for an in-memory
// database with a dump path.
func (b *Backend) Init() error {
	if err := b.Backend.Init(); err != nil {
		return err
	}

	if b.cfg.Path == "" && b.cfg.DumpPath != "" && b.cfg.DumpInterval > 0 {
		b.wg.Add(1)
		go b.dumpLoop()
	}
	return nil
}

// Close stops the dump goroutine, writes a final dump and closes the
// embedded GORM backend. Calls after the first are no-ops.
func (b *Backend) Close() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()
		if b.cfg.Path == "" && b.cfg.DumpPath != "" {
			if derr := b.Dump(); derr != nil {
				b.logger.Error("Final dump failed", "error", derr)
			}
		}
		err = b.Backend.Close()
	})
	return err
}

// Dump writes the database to the configured dump path.
func (b *Backend) Dump() error {
	start := b.clock.Now()
	if err := database.DumpMemoryDBToDisk(b.db, b.cfg.DumpPath); err != nil {
		return err
	}
	b.logger.Debug("Dumped to disk", "path", b.cfg.DumpPath, "duration", b.clock.Since(start))
	return nil
}

// dumpLoop periodically dumps the in-memory SQLite database to disk.
// VACUUM INTO creates a point-in-time snapshot, so writers are not paused.
func (b *Backend) dumpLoop() {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.Chan():
			if err := b.Dump(); err != nil {
				b.logger.Error("Error dumping to disk", "error", err)
			}
		}
	}
}
