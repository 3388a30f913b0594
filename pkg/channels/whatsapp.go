package channels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/sipeed/wabridge/pkg/logger"
	"github.com/sipeed/wabridge/pkg/socket"
)

// WhatsAppDialer opens whatsmeow sessions backed by a SQLite device store.
type WhatsAppDialer struct {
	storePath string

	mu        sync.Mutex
	container *sqlstore.Container
}

// NewWhatsAppDialer creates a dialer whose credentials live at storePath.
func NewWhatsAppDialer(storePath string) *WhatsAppDialer {
	return &WhatsAppDialer{storePath: resolveStorePath(storePath)}
}

// ---------------------------------------------------------------------------
// Dialing
// ---------------------------------------------------------------------------

// Dial creates a whatsmeow client and connects it. A device without stored
// credentials goes through QR pairing; codes arrive as PairingCode events.
func (d *WhatsAppDialer) Dial(ctx context.Context, h socket.Handler) (socket.Session, error) {
	container, err := d.openContainer(ctx)
	if err != nil {
		return nil, err
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from store: %w", err)
	}

	clientLog := waLog.Zerolog(logger.Zerolog().With().Str("component", "whatsmeow").Logger())
	client := whatsmeow.NewClient(deviceStore, clientLog)
	// Reconnects are scheduled by the connection manager.
	client.EnableAutoReconnect = false

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &whatsAppSession{
		client:  client,
		handler: h,
		ctx:     sessCtx,
		cancel:  cancel,
	}
	client.AddEventHandler(s.eventHandler)

	if client.Store.ID == nil {
		logger.InfoC("whatsapp", "No existing session found – starting QR code login")
		qrChan, err := client.GetQRChannel(sessCtx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to get QR channel: %w", err)
		}
		go s.watchQR(qrChan)
	} else {
		logger.InfoCF("whatsapp", "Resuming existing session", map[string]interface{}{
			"device_id": client.Store.ID.String(),
		})
	}

	if err := client.Connect(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return s, nil
}

func (d *WhatsAppDialer) openContainer(ctx context.Context) (*sqlstore.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.container != nil {
		return d.container, nil
	}

	if err := os.MkdirAll(filepath.Dir(d.storePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", d.storePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsmeow database: %w", err)
	}
	// Serialize all database access through a single connection to prevent SQLITE_BUSY
	db.SetMaxOpenConns(1)

	dbLog := waLog.Zerolog(logger.Zerolog().With().Str("component", "whatsmeow-db").Logger())
	container := sqlstore.NewWithDB(db, "sqlite", dbLog)
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade whatsmeow database: %w", err)
	}

	d.container = container
	return container, nil
}

// PurgeCredentials closes the device store and deletes its files.
func (d *WhatsAppDialer) PurgeCredentials(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.container != nil {
		if err := d.container.Close(); err != nil {
			logger.WarnCF("whatsapp", "Failed to close device store", map[string]interface{}{
				"error": err.Error(),
			})
		}
		d.container = nil
	}

	var errs []error
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(d.storePath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to remove session credentials: %w", err)
	}

	logger.InfoCF("whatsapp", "Session credentials removed", map[string]interface{}{
		"path": d.storePath,
	})
	return nil
}

// resolveStorePath expands ~ in the configured store path.
func resolveStorePath(path string) string {
	if path == "" {
		path = "~/.wabridge/whatsapp.db"
	}
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && (path[1] == '/' || path[1] == '\\') {
			path = home + path[1:]
		} else {
			path = home
		}
	}
	return path
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

type whatsAppSession struct {
	client  *whatsmeow.Client
	handler socket.Handler
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// waMedia is the download handle attached to inbound media messages.
type waMedia struct {
	socket.MediaHandle
	msg whatsmeow.DownloadableMessage
}

// watchQR forwards pairing codes until the QR channel closes.
func (s *whatsAppSession) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			logger.InfoC("whatsapp", "QR code ready – waiting for scan")
			s.handler(socket.PairingCode{Code: evt.Code})

		case "success":
			devID := "unknown"
			if s.client.Store.ID != nil {
				devID = s.client.Store.ID.String()
			}
			logger.InfoCF("whatsapp", "WhatsApp pairing successful", map[string]interface{}{
				"device_id": devID,
			})

		case "timeout":
			logger.WarnC("whatsapp", "QR code timed out")
			s.handler(socket.Disconnected{Reason: "pairing timeout"})

		default:
			// "error" and the "err-*" family end the pairing attempt.
			if strings.HasPrefix(evt.Event, "err") {
				logger.ErrorCF("whatsapp", "QR pairing error", map[string]interface{}{
					"event": evt.Event,
					"error": fmt.Sprintf("%v", evt.Error),
				})
				s.handler(socket.Disconnected{Reason: "pairing error: " + evt.Event})
			}
		}
	}
}

// eventHandler translates whatsmeow events into socket events.
func (s *whatsAppSession) eventHandler(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Connected:
		logger.InfoC("whatsapp", "WhatsApp connected")
		s.handler(socket.Connected{})
	case *events.Disconnected:
		logger.WarnC("whatsapp", "WhatsApp disconnected")
		s.handler(socket.Disconnected{Reason: "connection lost"})
	case *events.StreamReplaced:
		logger.WarnC("whatsapp", "WhatsApp stream replaced by another client")
		s.handler(socket.Disconnected{Reason: "stream replaced"})
	case *events.ConnectFailure:
		// Logged-out failures are also dispatched as *events.LoggedOut.
		if v.Reason.IsLoggedOut() {
			return
		}
		logger.WarnCF("whatsapp", "WhatsApp connect failure", map[string]interface{}{
			"reason": v.Reason.String(),
		})
		s.handler(socket.Disconnected{Reason: "connect failure: " + v.Reason.String()})
	case *events.TemporaryBan:
		logger.ErrorCF("whatsapp", "WhatsApp temporary ban", map[string]interface{}{
			"ban": v.String(),
		})
		s.handler(socket.Disconnected{Reason: "temporary ban"})
	case *events.ClientOutdated:
		logger.ErrorC("whatsapp", "WhatsApp client outdated")
		s.handler(socket.Disconnected{Reason: "client outdated"})
	case *events.LoggedOut:
		logger.ErrorCF("whatsapp", "WhatsApp logged out", map[string]interface{}{
			"reason": v.Reason.String(),
		})
		s.handler(socket.Disconnected{Reason: "logged out: " + v.Reason.String(), LoggedOut: true})
	case *events.HistorySync:
		// Ignore history syncs – we only process real-time messages
	}
}

// handleIncomingMessage converts one whatsmeow message into an Inbound.
func (s *whatsAppSession) handleIncomingMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	in := socket.Inbound{
		ExternalID:   evt.Info.ID,
		Counterparty: evt.Info.Chat.String(),
		FromMe:       evt.Info.IsFromMe,
		Content:      convertContent(evt.Message),
		Timestamp:    evt.Info.Timestamp,
	}
	if dl := downloadable(evt.Message); dl != nil {
		in.Media = waMedia{msg: dl}
	}

	logger.DebugCF("whatsapp", "Message received", map[string]interface{}{
		"chat":       in.Counterparty,
		"message_id": in.ExternalID,
		"from_me":    in.FromMe,
	})
	s.handler(socket.Message{Inbound: in})
}

// convertContent maps the populated waE2E field to a Content variant.
func convertContent(msg *waE2E.Message) socket.Content {
	if msg == nil {
		return socket.UnknownContent{}
	}
	if t := msg.GetConversation(); t != "" {
		return socket.TextContent{Text: t}
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return socket.ExtendedTextContent{Text: ext.GetText()}
	}
	if img := msg.GetImageMessage(); img != nil {
		return socket.ImageContent{Caption: img.GetCaption(), Mimetype: img.GetMimetype()}
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return socket.VideoContent{Caption: vid.GetCaption(), Mimetype: vid.GetMimetype()}
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return socket.DocumentContent{FileName: doc.GetFileName(), Caption: doc.GetCaption(), Mimetype: doc.GetMimetype()}
	}
	if st := msg.GetStickerMessage(); st != nil {
		return socket.StickerContent{Mimetype: st.GetMimetype()}
	}
	if loc := msg.GetLocationMessage(); loc != nil {
		return socket.LocationContent{Latitude: loc.GetDegreesLatitude(), Longitude: loc.GetDegreesLongitude()}
	}
	if c := msg.GetContactMessage(); c != nil {
		return socket.ContactContent{DisplayName: c.GetDisplayName()}
	}
	return socket.UnknownContent{}
}

func downloadable(msg *waE2E.Message) whatsmeow.DownloadableMessage {
	if msg == nil {
		return nil
	}
	switch {
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage()
	}
	return nil
}

// Send delivers a text message to the specified WhatsApp chat.
func (s *whatsAppSession) Send(ctx context.Context, to, body string) (string, error) {
	if !s.client.IsConnected() {
		return "", socket.ErrNotConnected
	}

	targetJID, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid chat ID '%s': %w", to, err)
	}

	// Typing indicator
	_ = s.client.SendChatPresence(ctx, targetJID, types.ChatPresenceComposing, "")

	resp, err := s.client.SendMessage(ctx, targetJID, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send whatsapp message: %w", err)
	}

	// Clear typing indicator
	_ = s.client.SendChatPresence(ctx, targetJID, types.ChatPresencePaused, "")

	logger.DebugCF("whatsapp", "Message sent", map[string]interface{}{
		"to":         targetJID.String(),
		"message_id": resp.ID,
	})
	return resp.ID, nil
}

// Download fetches and decrypts the media behind an inbound handle.
func (s *whatsAppSession) Download(ctx context.Context, media socket.Media) ([]byte, error) {
	m, ok := media.(waMedia)
	if !ok || m.msg == nil {
		return nil, fmt.Errorf("unsupported media handle %T", media)
	}
	return s.client.Download(ctx, m.msg)
}

func (s *whatsAppSession) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

func (s *whatsAppSession) Close() {
	s.once.Do(func() {
		s.cancel()
		s.client.RemoveEventHandlers()
		s.client.Disconnect()
	})
}
