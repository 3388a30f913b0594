package storage

import (
	"context"
	"time"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

// Storage is the event store: messages, webhook subscriptions and audit
// entries behind one connection.
type Storage interface {
	// Repository accessors
	Messages() repository.MessageRepository
	Webhooks() repository.WebhookRepository
	Audit() repository.AuditRepository

	// Lifecycle management
	Connect(ctx context.Context) error
	Close() error

	// Health check
	Ping(ctx context.Context) error
}

// Config holds storage configuration for different backends.
type Config struct {
	Type         string        // "sqlite" or "postgres"
	FilePath     string        // For sqlite (database file)
	DatabaseURL  string        // For postgres (connection string)
	SSLEnabled   bool          // Enable SSL for postgres connections
	MaxIdleConns int           // Database connection pool - max idle connections
	MaxOpenConns int           // Database connection pool - max open connections
	MaxLifetime  time.Duration // Database connection pool - max lifetime
}

// DefaultConfig returns a default storage configuration.
func DefaultConfig(storageType string) Config {
	return Config{
		Type:         storageType,
		MaxIdleConns: 5,
		MaxOpenConns: 25,
		MaxLifetime:  5 * time.Minute,
	}
}
