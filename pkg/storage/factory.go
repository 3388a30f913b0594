package storage

import (
	"fmt"
	"strings"

	"github.com/sipeed/wabridge/pkg/storage/sqlstore"
)

// NewStorage creates a Storage implementation based on the provided configuration.
// Supported types: "sqlite", "postgres"
func NewStorage(cfg Config) (Storage, error) {
	switch strings.ToLower(cfg.Type) {
	case "sqlite", "":
		return sqlstore.NewSQLiteStorage(cfg.FilePath)
	case "postgres":
		return sqlstore.NewPostgresStorage(cfg.DatabaseURL, cfg.SSLEnabled, cfg.MaxIdleConns, cfg.MaxOpenConns, cfg.MaxLifetime)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: sqlite, postgres)", cfg.Type)
	}
}
