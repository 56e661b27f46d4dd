package factory

import (
	"fmt"

	"github.com/kurihiro0119/octomirror/internal/config"
	"github.com/kurihiro0119/octomirror/internal/storage"
	"github.com/kurihiro0119/octomirror/internal/storage/postgres"
	"github.com/kurihiro0119/octomirror/internal/storage/sqlite"
)

// New opens the run journal selected by cfg.StorageType
func New(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageType {
	case "postgres":
		return postgres.NewPostgresStorage(cfg.PostgresURL)
	case "sqlite", "":
		return sqlite.NewSQLiteStorage(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.StorageType)
	}
}
