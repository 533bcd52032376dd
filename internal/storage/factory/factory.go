// Package factory builds the storage backend selected by configuration.
package factory

import (
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/atlasnote/livesync/internal/api"
	"github.com/atlasnote/livesync/internal/config"
	"github.com/atlasnote/livesync/internal/storage"
	"github.com/atlasnote/livesync/internal/storage/memory"
	"github.com/atlasnote/livesync/internal/storage/postgres"
	sqlitestorage "github.com/atlasnote/livesync/internal/storage/sqlite"
)

// Backend types accepted in storage.type.
const (
	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeAPI      = "api"
)

// NewBackend creates the backend named by cfg.Type. The caller runs Init.
func NewBackend(cfg config.StorageConfig, clock clockwork.Clock, logger *slog.Logger) (storage.Backend, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case TypeMemory, "":
		return memory.New(memory.WithClock(clock)), nil
	case TypeSQLite:
		return sqlitestorage.New(sqlitestorage.Config{
			Path:         cfg.SQLite.Path,
			DumpPath:     cfg.SQLite.DumpPath,
			DumpInterval: cfg.SQLite.DumpInterval,
		}, clock, logger)
	case TypePostgres:
		return postgres.New(postgres.Dependencies{
			Config: cfg.DB,
			Clock:  clock,
			Logger: logger,
		}), nil
	case TypeAPI:
		if cfg.API.ServerURL == "" {
			return nil, fmt.Errorf("storage type %q needs api.serverUrl", cfg.Type)
		}
		return api.New(cfg.API.ServerURL, cfg.API.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
