package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

const webhookColumns = `id, url, events, secret, active, created_at_ms`

type webhookRepository struct {
	db dbExecutor
	d  dialect
}

func NewWebhookRepository(db dbExecutor, d dialect) repository.WebhookRepository {
	return &webhookRepository{db: db, d: d}
}

func (r *webhookRepository) ListActive(ctx context.Context, event string) ([]repository.Webhook, error) {
	all, err := r.list(ctx, ` WHERE active = ?`, true)
	if err != nil {
		return nil, err
	}
	matched := all[:0]
	for _, w := range all {
		if w.Subscribes(event) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

func (r *webhookRepository) List(ctx context.Context) ([]repository.Webhook, error) {
	return r.list(ctx, "")
}

func (r *webhookRepository) list(ctx context.Context, where string, args ...interface{}) ([]repository.Webhook, error) {
	query := r.d.rebind(`SELECT ` + webhookColumns + ` FROM webhooks` + where + ` ORDER BY id`)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []repository.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, *w)
	}
	return hooks, rows.Err()
}

func (r *webhookRepository) Get(ctx context.Context, id int64) (*repository.Webhook, error) {
	query := r.d.rebind(`SELECT ` + webhookColumns + ` FROM webhooks WHERE id = ?`)
	w, err := scanWebhook(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return w, err
}

func (r *webhookRepository) Create(ctx context.Context, w *repository.Webhook) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}

	query := r.d.rebind(`INSERT INTO webhooks (url, events, secret, active, created_at_ms)
		VALUES (?, ?, ?, ?, ?) RETURNING id`)
	err := r.db.QueryRowContext(ctx, query,
		strings.TrimSpace(w.URL),
		joinEvents(w.Events),
		nullString(w.Secret),
		w.Active,
		w.CreatedAt.UnixMilli(),
	).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (r *webhookRepository) Update(ctx context.Context, w *repository.Webhook) error {
	if err := w.Validate(); err != nil {
		return err
	}

	query := r.d.rebind(`UPDATE webhooks SET url = ?, events = ?, secret = ?, active = ? WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query,
		strings.TrimSpace(w.URL),
		joinEvents(w.Events),
		nullString(w.Secret),
		w.Active,
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *webhookRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.d.rebind(`DELETE FROM webhooks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func joinEvents(events []string) string {
	return strings.Join(events, ",")
}

func splitEvents(s string) []string {
	var events []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			events = append(events, e)
		}
	}
	return events
}

func scanWebhook(row rowScanner) (*repository.Webhook, error) {
	var (
		w           repository.Webhook
		events      string
		secret      sql.NullString
		createdAtMs int64
	)
	if err := row.Scan(&w.ID, &w.URL, &events, &secret, &w.Active, &createdAtMs); err != nil {
		return nil, err
	}
	w.Events = splitEvents(events)
	w.Secret = secret.String
	w.CreatedAt = time.UnixMilli(createdAtMs)
	return &w, nil
}
