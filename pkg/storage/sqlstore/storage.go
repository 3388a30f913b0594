// Package sqlstore implements the event store over database/sql for SQLite
// (modernc.org/sqlite) and PostgreSQL (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

// SQLStorage implements storage.Storage for both supported dialects.
type SQLStorage struct {
	db       *sql.DB
	dialect  dialect
	messages repository.MessageRepository
	webhooks repository.WebhookRepository
	audit    repository.AuditRepository
}

// NewSQLiteStorage opens (creating if needed) a SQLite database file.
func NewSQLiteStorage(path string) (*SQLStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("file path is required for SQLite storage")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	return newSQLStorage(db, dialectSQLite), nil
}

// NewPostgresStorage creates a new PostgreSQL storage instance.
func NewPostgresStorage(databaseURL string, sslEnabled bool, maxIdleConns, maxOpenConns int, maxLifetime time.Duration) (*SQLStorage, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required for PostgreSQL storage")
	}

	// Add sslmode to the connection string unless the URL already sets it
	if !strings.Contains(databaseURL, "sslmode=") {
		sep := "?"
		if strings.Contains(databaseURL, "?") {
			sep = "&"
		}

		if sslEnabled {
			databaseURL = databaseURL + sep + "sslmode=require"
		} else {
			databaseURL = databaseURL + sep + "sslmode=disable"
		}
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	// Configure connection pool
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}

	return newSQLStorage(db, dialectPostgres), nil
}

func newSQLStorage(db *sql.DB, d dialect) *SQLStorage {
	return &SQLStorage{
		db:       db,
		dialect:  d,
		messages: NewMessageRepository(db, d),
		webhooks: NewWebhookRepository(db, d),
		audit:    NewAuditRepository(db, d),
	}
}

// Connect establishes connection and runs migrations.
func (s *SQLStorage) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(ctx, s.db, s.dialect); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLStorage) Messages() repository.MessageRepository {
	return s.messages
}

func (s *SQLStorage) Webhooks() repository.WebhookRepository {
	return s.webhooks
}

func (s *SQLStorage) Audit() repository.AuditRepository {
	return s.audit
}

// Ping checks if the database connection is alive.
func (s *SQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
