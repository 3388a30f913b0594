package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

type auditRepository struct {
	db dbExecutor
	d  dialect
}

func NewAuditRepository(db dbExecutor, d dialect) repository.AuditRepository {
	return &auditRepository{db: db, d: d}
}

func (r *auditRepository) Append(ctx context.Context, action string, details map[string]interface{}, sourceAddr string) error {
	var detailsJSON sql.NullString
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := r.d.rebind(`INSERT INTO audit_logs (action, details, source_addr, created_at_ms) VALUES (?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, query, action, detailsJSON, nullString(sourceAddr), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, limit, offset int) ([]repository.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	query := r.d.rebind(`SELECT id, action, details, source_addr, created_at_ms
		FROM audit_logs ORDER BY created_at_ms DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []repository.AuditEntry
	for rows.Next() {
		var (
			e           repository.AuditEntry
			details     sql.NullString
			sourceAddr  sql.NullString
			createdAtMs int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &details, &sourceAddr, &createdAtMs); err != nil {
			return nil, err
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details %d: %w", e.ID, err)
			}
		}
		e.SourceAddr = sourceAddr.String
		e.CreatedAt = time.UnixMilli(createdAtMs)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *auditRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.d.rebind(`DELETE FROM audit_logs WHERE created_at_ms < ?`), before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
