// Package postgres implements the storage.Backend interface on PostgreSQL
// by wrapping the GORM backend. It owns connection setup only.
package postgres

import (
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"github.com/atlasnote/livesync/internal/config"
	"github.com/atlasnote/livesync/internal/database"
	gormstorage "github.com/atlasnote/livesync/internal/storage/gorm"
)

// Dependencies holds all dependencies for the Postgres storage backend.
// When DB is nil, Init connects using Config.
type Dependencies struct {
	DB     *gorm.DB
	Config config.DBConfig
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Backend is the GORM backend over a Postgres connection. It is usable
// after Init.
type Backend struct {
	*gormstorage.Backend
	deps Dependencies
}

// New creates a new Postgres storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{deps: deps}
}

// Init connects when no DB was injected and runs schema migration.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		db, err := database.GetPostgresDB(b.deps.Config)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		b.deps.DB = db
		b.deps.Logger.Info("Connected to database", "host", b.deps.Config.Host, "database", b.deps.Config.Database)
	}

	b.Backend = gormstorage.New(gormstorage.Dependencies{
		DB:     b.deps.DB,
		Clock:  b.deps.Clock,
		Logger: b.deps.Logger,
	})
	if err := b.Backend.Init(); err != nil {
		return fmt.Errorf("failed to setup DB: %w", err)
	}
	return nil
}

// Close closes the connection pool if Init ran.
func (b *Backend) Close() error {
	if b.Backend == nil {
		return nil
	}
	return b.Backend.Close()
}
