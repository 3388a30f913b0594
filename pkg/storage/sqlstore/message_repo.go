package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	messageColumns  = `id, direction, counterparty, body, status, media_kind, media_ref, external_id, created_at_ms`
)

type messageRepository struct {
	db dbExecutor
	d  dialect
}

func NewMessageRepository(db dbExecutor, d dialect) repository.MessageRepository {
	return &messageRepository{db: db, d: d}
}

func (r *messageRepository) Insert(ctx context.Context, msg *repository.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := r.d.rebind(`INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		msg.ID,
		string(msg.Direction),
		msg.Counterparty,
		msg.Body,
		string(msg.Status),
		nullString(string(msg.MediaKind)),
		nullString(msg.MediaRef),
		nullString(msg.ExternalID),
		msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert message %s: %w", msg.ID, repository.ErrDuplicate)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *messageRepository) Get(ctx context.Context, id string) (*repository.Message, error) {
	query := r.d.rebind(`SELECT ` + messageColumns + ` FROM messages WHERE id = ?`)
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *messageRepository) ExistsExternalID(ctx context.Context, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	query := r.d.rebind(`SELECT 1 FROM messages WHERE external_id = ? LIMIT 1`)
	var one int
	err := r.db.QueryRowContext(ctx, query, externalID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup external id: %w", err)
	}
	return true, nil
}

func (r *messageRepository) UpdateStatus(ctx context.Context, id string, status repository.Status) (int64, error) {
	query := r.d.rebind(`UPDATE messages SET status = ? WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *messageRepository) UpdateStatusBatch(ctx context.Context, ids []string, status repository.Status) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, string(status))
	for _, id := range ids {
		args = append(args, id)
	}

	query := r.d.rebind(`UPDATE messages SET status = ? WHERE id IN (` + placeholders(len(ids)) + `)`)
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *messageRepository) Query(ctx context.Context, filter repository.MessageFilter, page, limit int) ([]repository.Message, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	where, args, err := messageWhere(filter)
	if err != nil {
		return nil, 0, err
	}

	var total int
	countQuery := r.d.rebind(`SELECT COUNT(*) FROM messages` + where)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	query := r.d.rebind(`SELECT ` + messageColumns + ` FROM messages` + where +
		` ORDER BY created_at_ms DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]repository.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, *msg)
	}
	return messages, total, rows.Err()
}

func (r *messageRepository) Delete(ctx context.Context, id string) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.d.rebind(`DELETE FROM messages WHERE id = ?`), id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func messageWhere(filter repository.MessageFilter) (string, []interface{}, error) {
	var clauses []string
	var args []interface{}

	if s := strings.TrimSpace(filter.Status); s != "" && !strings.EqualFold(s, "all") {
		status, err := repository.ParseStatus(s)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "status = ?")
		args = append(args, string(status))
	}
	if filter.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, string(filter.Direction))
	}
	if filter.Counterparty != "" {
		clauses = append(clauses, "counterparty = ?")
		args = append(args, filter.Counterparty)
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		pattern := "%" + strings.ToLower(s) + "%"
		clauses = append(clauses, "(LOWER(body) LIKE ? OR LOWER(counterparty) LIKE ?)")
		args = append(args, pattern, pattern)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "created_at_ms >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "created_at_ms <= ?")
		args = append(args, filter.To.UnixMilli())
	}

	if len(clauses) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*repository.Message, error) {
	var (
		msg                 repository.Message
		direction, status   string
		mediaKind, mediaRef sql.NullString
		externalID          sql.NullString
		createdAtMs         int64
	)
	if err := row.Scan(
		&msg.ID,
		&direction,
		&msg.Counterparty,
		&msg.Body,
		&status,
		&mediaKind,
		&mediaRef,
		&externalID,
		&createdAtMs,
	); err != nil {
		return nil, err
	}
	msg.Direction = repository.Direction(direction)
	msg.Status = repository.Status(status)
	msg.MediaKind = repository.MediaKind(mediaKind.String)
	msg.MediaRef = mediaRef.String
	msg.ExternalID = externalID.String
	msg.CreatedAt = time.UnixMilli(createdAtMs)
	return &msg, nil
}
