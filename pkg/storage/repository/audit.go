package repository

import (
	"context"
	"time"
)

type AuditEntry struct {
	ID         int64                  `json:"id"`
	Action     string                 `json:"action"`
	Details    map[string]interface{} `json:"details,omitempty"`
	SourceAddr string                 `json:"source_addr,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

type AuditRepository interface {
	Append(ctx context.Context, action string, details map[string]interface{}, sourceAddr string) error
	// List returns entries newest first.
	List(ctx context.Context, limit, offset int) ([]AuditEntry, error)
	// Prune deletes entries older than before.
	Prune(ctx context.Context, before time.Time) (int64, error)
}
