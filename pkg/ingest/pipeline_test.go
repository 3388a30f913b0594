package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wabridge/pkg/bus"
	"github.com/sipeed/wabridge/pkg/media"
	"github.com/sipeed/wabridge/pkg/socket"
	"github.com/sipeed/wabridge/pkg/storage/repository"
	"github.com/sipeed/wabridge/pkg/storage/sqlstore"
)

type fakeSession struct {
	connected   bool
	sendErr     error
	downloadErr error
	sent        []string
	downloads   int
}

func (s *fakeSession) Connected() bool { return s.connected }

func (s *fakeSession) Send(_ context.Context, to, body string) (string, error) {
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, to+":"+body)
	return "WA-OUT-1", nil
}

func (s *fakeSession) Download(context.Context, socket.Media) ([]byte, error) {
	s.downloads++
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	return []byte("\xff\xd8binary"), nil
}

type testMedia struct{ socket.MediaHandle }

type event struct {
	name    string
	payload interface{}
}

type sink struct {
	mu     sync.Mutex
	events []event
}

func (s *sink) Publish(name string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{name, payload})
}

func (s *sink) all() []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event(nil), s.events...)
}

type fixture struct {
	pipeline *Pipeline
	session  *fakeSession
	store    *sqlstore.SQLStorage
	sink     *sink
	mediaDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlstore.NewSQLiteStorage(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Connect(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		session:  &fakeSession{connected: true},
		store:    store,
		sink:     &sink{},
		mediaDir: filepath.Join(dir, "media"),
	}
	f.pipeline = NewPipeline(f.session, store.Messages(), media.NewFileStore(f.mediaDir, "/media/"), f.sink)
	return f
}

func (f *fixture) messages(t *testing.T) []repository.Message {
	t.Helper()
	rows, _, err := f.store.Messages().Query(context.Background(), repository.MessageFilter{}, 1, 100)
	require.NoError(t, err)
	return rows
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		content  socket.Content
		wantText string
		wantKind repository.MediaKind
	}{
		{"text", socket.TextContent{Text: "hello"}, "hello", repository.MediaNone},
		{"extended", socket.ExtendedTextContent{Text: "see link"}, "see link", repository.MediaNone},
		{"image caption", socket.ImageContent{Caption: "cat"}, "cat", repository.MediaImage},
		{"image bare", socket.ImageContent{}, "[Image]", repository.MediaImage},
		{"video bare", socket.VideoContent{}, "[Video]", repository.MediaVideo},
		{"document name", socket.DocumentContent{FileName: "a.pdf"}, "a.pdf", repository.MediaDocument},
		{"document caption ignored", socket.DocumentContent{FileName: "a.pdf", Caption: "invoice"}, "a.pdf", repository.MediaDocument},
		{"document caption without name", socket.DocumentContent{Caption: "invoice"}, "[Document]", repository.MediaDocument},
		{"document bare", socket.DocumentContent{}, "[Document]", repository.MediaDocument},
		{"sticker", socket.StickerContent{}, "[Sticker]", repository.MediaSticker},
		{"location", socket.LocationContent{Latitude: 52.52, Longitude: -13.405}, "[Location: 52.52, -13.405]", repository.MediaLocation},
		{"contact", socket.ContactContent{DisplayName: "Ada"}, "[Contact: Ada]", repository.MediaContact},
		{"unknown", socket.UnknownContent{}, "", repository.MediaNone},
		{"nil", nil, "", repository.MediaNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, kind := Extract(tt.content)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestIngestSkipsOwnMessages(t *testing.T) {
	f := newFixture(t)

	err := f.pipeline.Ingest(context.Background(), socket.Inbound{
		ExternalID:   "E1",
		Counterparty: "me@s.whatsapp.net",
		FromMe:       true,
		Content:      socket.TextContent{Text: "echo"},
	})
	require.NoError(t, err)

	assert.Empty(t, f.messages(t))
	assert.Empty(t, f.sink.all())
}

func TestIngestDropsEmptyContent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.pipeline.Ingest(context.Background(), socket.Inbound{
		ExternalID: "E1",
		Content:    socket.UnknownContent{},
	}))
	require.NoError(t, f.pipeline.Ingest(context.Background(), socket.Inbound{
		ExternalID: "E2",
		Content:    socket.TextContent{},
	}))

	assert.Empty(t, f.messages(t))
	assert.Empty(t, f.sink.all())
}

func TestIngestTextMessage(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, f.pipeline.Ingest(context.Background(), socket.Inbound{
		ExternalID:   "E1",
		Counterparty: "123@s.whatsapp.net",
		Content:      socket.TextContent{Text: "hello"},
		Timestamp:    at,
	}))

	rows := f.messages(t)
	require.Len(t, rows, 1)
	msg := rows[0]
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, repository.DirectionIncoming, msg.Direction)
	assert.Equal(t, repository.StatusUnread, msg.Status)
	assert.Equal(t, repository.MediaNone, msg.MediaKind)
	assert.True(t, at.Equal(msg.CreatedAt))

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, repository.EventMessageReceived, events[0].name)
	payload := events[0].payload.(bus.MessageReceivedPayload)
	assert.Equal(t, msg.ID, payload.ID)
	assert.Equal(t, "123@s.whatsapp.net", payload.Counterparty)
	assert.Nil(t, payload.MediaKind)
	assert.Nil(t, payload.MediaRef)
}

func TestIngestImageStoresMedia(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.pipeline.Ingest(context.Background(), socket.Inbound{
		ExternalID:   "E1",
		Counterparty: "123@s.whatsapp.net",
		Content:      socket.ImageContent{Mimetype: "image/jpeg"},
		Media:        testMedia{},
	}))

	rows := f.messages(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "[Image]", rows[0].Body)
	assert.Equal(t, repository.MediaImage, rows[0].MediaKind)
	assert.Regexp(t, `^/media/[0-9a-f-]{36}\.jpg$`, rows[0].MediaRef)

	matches, err := filepath.Glob(filepath.Join(f.mediaDir, "*.jpg"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	payload := f.sink.all()[0].payload.(bus.MessageReceivedPayload)
	require.NotNil(t, payload.MediaKind)
	assert.Equal(t, "image", *payload.MediaKind)
	require.NotNil(t, payload.MediaRef)
	assert.Equal(t, rows[0].MediaRef, *payload.MediaRef)
}

func TestIngestMediaFailureStillStoresMessage(t *testing.T) {
	f := newFixture(t)
	f.session.downloadErr = errors.New("media expired")

	require.NoError(t, f.pipeline.Ingest(context.Background(), socket.Inbound{
		ExternalID: "E1",
		Content:    socket.VideoContent{Caption: "clip"},
		Media:      testMedia{},
	}))

	rows := f.messages(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "clip", rows[0].Body)
	assert.Equal(t, repository.MediaVideo, rows[0].MediaKind)
	assert.Empty(t, rows[0].MediaRef)

	payload := f.sink.all()[0].payload.(bus.MessageReceivedPayload)
	assert.Nil(t, payload.MediaRef)
}

func TestIngestIsIdempotentOnTransportID(t *testing.T) {
	f := newFixture(t)
	in := socket.Inbound{
		ExternalID:   "E1",
		Counterparty: "123@s.whatsapp.net",
		Content:      socket.TextContent{Text: "once"},
	}

	require.NoError(t, f.pipeline.Ingest(context.Background(), in))
	require.NoError(t, f.pipeline.Ingest(context.Background(), in))

	assert.Len(t, f.messages(t), 1)
	assert.Len(t, f.sink.all(), 1)
}

func mediaFiles(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestRedeliveredImageIsNotDownloadedAgain(t *testing.T) {
	f := newFixture(t)
	in := socket.Inbound{
		ExternalID:   "E-IMG",
		Counterparty: "123@s.whatsapp.net",
		Content:      socket.ImageContent{Mimetype: "image/jpeg"},
		Media:        testMedia{},
	}

	require.NoError(t, f.pipeline.Ingest(context.Background(), in))
	require.NoError(t, f.pipeline.Ingest(context.Background(), in))

	assert.Len(t, f.messages(t), 1)
	assert.Len(t, f.sink.all(), 1)
	assert.Equal(t, 1, f.session.downloads)
	assert.Len(t, mediaFiles(t, f.mediaDir), 1)
}

// racingMessages hides earlier inserts from the lookup, as when two
// deliveries of the same message are ingested concurrently.
type racingMessages struct {
	repository.MessageRepository
}

func (racingMessages) ExistsExternalID(context.Context, string) (bool, error) {
	return false, nil
}

func TestDuplicateInsertRemovesDownloadedMedia(t *testing.T) {
	f := newFixture(t)
	f.pipeline = NewPipeline(f.session, racingMessages{f.store.Messages()}, media.NewFileStore(f.mediaDir, "/media/"), f.sink)
	in := socket.Inbound{
		ExternalID:   "E-IMG",
		Counterparty: "123@s.whatsapp.net",
		Content:      socket.ImageContent{Mimetype: "image/jpeg"},
		Media:        testMedia{},
	}

	require.NoError(t, f.pipeline.Ingest(context.Background(), in))
	require.NoError(t, f.pipeline.Ingest(context.Background(), in))

	rows := f.messages(t)
	require.Len(t, rows, 1)
	assert.Len(t, f.sink.all(), 1)
	assert.Equal(t, 2, f.session.downloads)

	files := mediaFiles(t, f.mediaDir)
	require.Len(t, files, 1)
	assert.Equal(t, "/media/"+files[0].Name(), rows[0].MediaRef)
}

func seedIncoming(t *testing.T, f *fixture) *repository.Message {
	t.Helper()
	msg := &repository.Message{
		Direction:    repository.DirectionIncoming,
		Counterparty: "123@s.whatsapp.net",
		Body:         "question",
		Status:       repository.StatusUnread,
	}
	require.NoError(t, f.store.Messages().Insert(context.Background(), msg))
	return msg
}

func TestSendReplyNotConnected(t *testing.T) {
	f := newFixture(t)
	orig := seedIncoming(t, f)
	f.session.connected = false

	_, err := f.pipeline.SendReply(context.Background(), orig.ID, "answer")
	assert.ErrorIs(t, err, socket.ErrNotConnected)

	rows := f.messages(t)
	require.Len(t, rows, 1)
	assert.Equal(t, repository.StatusUnread, rows[0].Status)
	assert.Empty(t, f.session.sent)
	assert.Empty(t, f.sink.all())
}

func TestSendReplyUnknownID(t *testing.T) {
	f := newFixture(t)
	seedIncoming(t, f)

	_, err := f.pipeline.SendReply(context.Background(), "missing", "answer")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Len(t, f.messages(t), 1)
	assert.Empty(t, f.session.sent)
}

func TestSendReplyDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	orig := seedIncoming(t, f)
	f.session.sendErr = errors.New("server rejected")

	_, err := f.pipeline.SendReply(context.Background(), orig.ID, "answer")
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	got, err := f.store.Messages().Get(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusUnread, got.Status)
	assert.Len(t, f.messages(t), 1)
}

func TestSendReplyEmptyBody(t *testing.T) {
	f := newFixture(t)
	orig := seedIncoming(t, f)

	_, err := f.pipeline.SendReply(context.Background(), orig.ID, "  ")
	assert.True(t, repository.IsValidation(err))
}

func TestSendReplySuccess(t *testing.T) {
	f := newFixture(t)
	orig := seedIncoming(t, f)

	reply, err := f.pipeline.SendReply(context.Background(), orig.ID, "answer")
	require.NoError(t, err)

	assert.Equal(t, []string{"123@s.whatsapp.net:answer"}, f.session.sent)

	got, err := f.store.Messages().Get(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusReplied, got.Status)

	outgoing, total, err := f.store.Messages().Query(context.Background(), repository.MessageFilter{
		Direction: repository.DirectionOutgoing,
	}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, reply.ID, outgoing[0].ID)
	assert.Equal(t, orig.Counterparty, outgoing[0].Counterparty)
	assert.Equal(t, repository.StatusSent, outgoing[0].Status)
	assert.Equal(t, "WA-OUT-1", outgoing[0].ExternalID)

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, repository.EventMessageSent, events[0].name)
	payload := events[0].payload.(bus.MessageSentPayload)
	assert.Equal(t, orig.ID, payload.InReplyTo)
	assert.Equal(t, reply.ID, payload.ID)
	assert.Equal(t, "answer", payload.Body)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	orig := seedIncoming(t, f)
	ctx := context.Background()

	require.NoError(t, f.pipeline.UpdateStatus(ctx, orig.ID, "READ"))
	assert.ErrorIs(t, f.pipeline.UpdateStatus(ctx, "missing", "read"), repository.ErrNotFound)

	err := f.pipeline.UpdateStatus(ctx, orig.ID, "archived")
	assert.True(t, repository.IsValidation(err))
	got, err := f.store.Messages().Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRead, got.Status)
}

func TestUpdateStatusBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b, c := seedIncoming(t, f), seedIncoming(t, f), seedIncoming(t, f)
	ids := []string{a.ID, b.ID, c.ID}

	n, err := f.pipeline.UpdateStatusBatch(ctx, ids, "read")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = f.store.Messages().Delete(ctx, b.ID)
	require.NoError(t, err)
	n, err = f.pipeline.UpdateStatusBatch(ctx, ids, "read")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = f.pipeline.UpdateStatusBatch(ctx, nil, "read")
	assert.True(t, repository.IsValidation(err))
	_, err = f.pipeline.UpdateStatusBatch(ctx, ids, "bogus")
	assert.True(t, repository.IsValidation(err))
}

func TestInboxValidatesAndClamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		seedIncoming(t, f)
	}

	rows, total, err := f.pipeline.Inbox(ctx, repository.MessageFilter{Status: "all"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rows, 3)

	rows, total, err = f.pipeline.Inbox(ctx, repository.MessageFilter{Status: "unread"}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rows, 1)

	_, _, err = f.pipeline.Inbox(ctx, repository.MessageFilter{Status: "nope"}, 1, 10)
	assert.True(t, repository.IsValidation(err))
}
