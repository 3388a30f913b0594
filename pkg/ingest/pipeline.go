// Package ingest turns inbound transport messages into stored records and
// domain events, and sends replies to stored messages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/socket"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

// ErrDeliveryFailed wraps a transport error returned while sending.
var ErrDeliveryFailed = errors.New("delivery failed")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Session is the slice of the connection manager the pipeline uses.
type Session interface {
	Connected() bool
	Send(ctx context.Context, to, body string) (string, error)
	Download(ctx context.Context, media socket.Media) ([]byte, error)
}

// BlobStore persists downloaded attachments and returns a reference URI.
type BlobStore interface {
	Save(ctx context.Context, ext string, data []byte) (string, error)
	Remove(ref string) error
}

type Pipeline struct {
	session  Session
	messages repository.MessageRepository
	blobs    BlobStore
	events   bus.Sink
}

func NewPipeline(session Session, messages repository.MessageRepository, blobs BlobStore, events bus.Sink) *Pipeline {
	return &Pipeline{
		session:  session,
		messages: messages,
		blobs:    blobs,
		events:   events,
	}
}

// Ingest records one inbound message and emits message.received. Own
// messages, empty content and redelivered transport ids are skipped without
// error.
func (p *Pipeline) Ingest(ctx context.Context, in socket.Inbound) error {
	if in.FromMe {
		return nil
	}

	text, kind := Extract(in.Content)
	if text == "" && kind == repository.MediaNone {
		logger.DebugCF("ingest", "Dropping message without content", map[string]interface{}{
			"external_id": in.ExternalID,
		})
		return nil
	}

	seen, err := p.messages.ExistsExternalID(ctx, in.ExternalID)
	if err != nil {
		return fmt.Errorf("check inbound message: %w", err)
	}
	if seen {
		logger.DebugCF("ingest", "Skipping redelivered message", map[string]interface{}{
			"external_id": in.ExternalID,
		})
		return nil
	}

	mediaRef := p.fetchMedia(ctx, in)

	createdAt := in.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	msg := &repository.Message{
		Direction:    repository.DirectionIncoming,
		Counterparty: in.Counterparty,
		Body:         text,
		Status:       repository.StatusUnread,
		MediaKind:    kind,
		MediaRef:     mediaRef,
		ExternalID:   in.ExternalID,
		CreatedAt:    createdAt,
	}
	if err := p.messages.Insert(ctx, msg); err != nil {
		p.discardMedia(mediaRef)
		if errors.Is(err, repository.ErrDuplicate) {
			logger.DebugCF("ingest", "Skipping redelivered message", map[string]interface{}{
				"external_id": in.ExternalID,
			})
			return nil
		}
		return fmt.Errorf("store inbound message: %w", err)
	}

	logger.InfoCF("ingest", "Message received", map[string]interface{}{
		"id":           msg.ID,
		"counterparty": msg.Counterparty,
		"media_kind":   string(kind),
		"preview":      truncate(text, 50),
	})

	p.events.Publish(repository.EventMessageReceived, bus.MessageReceivedPayload{
		ID:           msg.ID,
		Counterparty: msg.Counterparty,
		Body:         msg.Body,
		MediaKind:    optional(string(kind)),
		MediaRef:     optional(mediaRef),
		Timestamp:    msg.CreatedAt,
	})
	return nil
}

// fetchMedia downloads and stores the attachment, if any. Failures are logged
// and yield an empty reference.
func (p *Pipeline) fetchMedia(ctx context.Context, in socket.Inbound) string {
	ext, ok := downloadExtension(in.Content)
	if !ok || in.Media == nil || p.blobs == nil {
		return ""
	}

	data, err := p.session.Download(ctx, in.Media)
	if err != nil {
		logger.WarnCF("ingest", "Failed to download media", map[string]interface{}{
			"external_id": in.ExternalID,
			"error":       err.Error(),
		})
		return ""
	}

	ref, err := p.blobs.Save(ctx, ext, data)
	if err != nil {
		logger.WarnCF("ingest", "Failed to store media", map[string]interface{}{
			"external_id": in.ExternalID,
			"error":       err.Error(),
		})
		return ""
	}
	return ref
}

// discardMedia removes a blob whose message was not stored.
func (p *Pipeline) discardMedia(ref string) {
	if ref == "" {
		return
	}
	if err := p.blobs.Remove(ref); err != nil {
		logger.WarnCF("ingest", "Failed to remove orphaned media", map[string]interface{}{
			"ref":   ref,
			"error": err.Error(),
		})
	}
}

// SendReply sends body to the counterparty of message originalID, records the
// outgoing message and marks the original replied.
func (p *Pipeline) SendReply(ctx context.Context, originalID, body string) (*repository.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, repository.NewValidationError("body", "must not be empty")
	}
	if !p.session.Connected() {
		return nil, socket.ErrNotConnected
	}

	original, err := p.messages.Get(ctx, originalID)
	if err != nil {
		return nil, err
	}

	externalID, err := p.session.Send(ctx, original.Counterparty, body)
	if err != nil {
		if errors.Is(err, socket.ErrNotConnected) {
			return nil, err
		}
		logger.ErrorCF("ingest", "Failed to send reply", map[string]interface{}{
			"in_reply_to": originalID,
			"error":       err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	reply := &repository.Message{
		Direction:    repository.DirectionOutgoing,
		Counterparty: original.Counterparty,
		Body:         body,
		Status:       repository.StatusSent,
		ExternalID:   externalID,
	}
	if err := p.messages.Insert(ctx, reply); err != nil {
		return nil, fmt.Errorf("store outgoing message: %w", err)
	}
	if _, err := p.messages.UpdateStatus(ctx, originalID, repository.StatusReplied); err != nil {
		return nil, fmt.Errorf("mark message replied: %w", err)
	}

	logger.InfoCF("ingest", "Reply sent", map[string]interface{}{
		"id":           reply.ID,
		"in_reply_to":  originalID,
		"counterparty": reply.Counterparty,
	})

	p.events.Publish(repository.EventMessageSent, bus.MessageSentPayload{
		ID:           reply.ID,
		Counterparty: reply.Counterparty,
		Body:         reply.Body,
		InReplyTo:    originalID,
		Timestamp:    reply.CreatedAt,
	})
	return reply, nil
}

// UpdateStatus sets the status of one message. Unknown ids yield ErrNotFound.
func (p *Pipeline) UpdateStatus(ctx context.Context, id, status string) error {
	st, err := repository.ParseStatus(status)
	if err != nil {
		return err
	}
	n, err := p.messages.UpdateStatus(ctx, id, st)
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateStatusBatch sets the status of several messages and reports how many
// existed.
func (p *Pipeline) UpdateStatusBatch(ctx context.Context, ids []string, status string) (int64, error) {
	st, err := repository.ParseStatus(status)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, repository.NewValidationError("ids", "at least one id is required")
	}
	return p.messages.UpdateStatusBatch(ctx, ids, st)
}

// Inbox lists messages page by page. Status may be empty or "all".
func (p *Pipeline) Inbox(ctx context.Context, filter repository.MessageFilter, page, limit int) ([]repository.Message, int, error) {
	if s := strings.ToLower(filter.Status); s != "" && s != "all" {
		st, err := repository.ParseStatus(s)
		if err != nil {
			return nil, 0, err
		}
		filter.Status = string(st)
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return p.messages.Query(ctx, filter, page, limit)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
