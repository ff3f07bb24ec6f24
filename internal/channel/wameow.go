package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"bodasure/internal/metrics"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// WameowConfig holds configuration for the session-based WhatsApp transport.
type WameowConfig struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// Wameow is the session-based WhatsApp automation transport backed by an
// SQLite device store.
type Wameow struct {
	client    *whatsmeow.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
	processor Processor
}

var _ Sender = (*Wameow)(nil)

// NewWameow creates the transport and its device store.
func NewWameow(ctx context.Context, cfg WameowConfig, logger *slog.Logger) (*Wameow, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	w := &Wameow{
		client:  client,
		logger:  logger.With("component", "channel_wameow"),
		metrics: cfg.Metrics,
	}
	client.AddEventHandler(w.handleEvent)

	return w, nil
}

// SetProcessor registers the inbound message processor.
func (w *Wameow) SetProcessor(processor Processor) {
	w.processor = processor
}

// Start connects the client and handles login/QR pairing flow.
func (w *Wameow) Start(ctx context.Context) error {
	if w.client.Store.ID == nil {
		w.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := w.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					w.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					w.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}

	w.logger.Info("whatsapp transport connected")
	return nil
}

// Close disconnects the client.
func (w *Wameow) Close() {
	if w.client != nil {
		w.client.Disconnect()
	}
}

func (w *Wameow) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		w.handleMessage(v)
	case *events.Connected:
		w.logger.Info("device connected")
	case *events.Disconnected:
		w.logger.Warn("device disconnected")
	}
}

func (w *Wameow) handleMessage(evt *events.Message) {
	msg := evt.Message
	if msg == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	parsed := ParsedMessage{
		From:        evt.Info.Sender.User,
		JID:         evt.Info.Sender.String(),
		ProfileName: evt.Info.PushName,
		MessageID:   string(evt.Info.ID),
		Type:        TypeUnknown,
	}

	switch {
	case msg.GetConversation() != "":
		parsed.Type = TypeText
		parsed.Body = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		parsed.Type = TypeText
		parsed.Body = msg.GetExtendedTextMessage().GetText()
	case msg.ButtonsResponseMessage != nil:
		parsed.Type = TypeButton
		parsed.Body = msg.GetButtonsResponseMessage().GetSelectedButtonID()
	case msg.ListResponseMessage != nil:
		parsed.Type = TypeList
		parsed.Body = msg.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID()
	case msg.ImageMessage != nil:
		parsed.Type = TypeImage
		parsed.Body = msg.GetImageMessage().GetCaption()
		parsed.MediaRef = "wameow:" + string(evt.Info.ID)
	}

	if w.metrics != nil {
		w.metrics.ChannelIncoming.WithLabelValues(parsed.Type).Inc()
	}

	if w.processor != nil {
		go w.processor.Process(context.Background(), parsed)
	}
}

// SendText sends a plain text message.
func (w *Wameow) SendText(ctx context.Context, to, text string) error {
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	message := &waProto.Message{Conversation: proto.String(text)}
	if _, err := w.client.SendMessage(ctx, jid, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if w.metrics != nil {
		w.metrics.ChannelOutgoing.WithLabelValues(TypeText).Inc()
	}
	return nil
}

// SendButtons degrades to a numbered text enumeration. The automation
// transport no longer delivers interactive button payloads reliably, and
// degraded delivery beats silent failure.
func (w *Wameow) SendButtons(ctx context.Context, to, body string, options []Option) error {
	return w.SendText(ctx, to, EnumerateOptions(body, options))
}

// SendList degrades to plain text, same as SendButtons.
func (w *Wameow) SendList(ctx context.Context, to, body, _ string, sections []Section) error {
	return w.SendText(ctx, to, EnumerateSections(body, sections))
}

// SendMedia uploads and sends an image.
func (w *Wameow) SendMedia(ctx context.Context, to string, media []byte, mimeType, caption string) error {
	if len(media) == 0 {
		return errors.New("send media: empty data")
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(media)
	}
	uploadResp, err := w.client.Upload(ctx, media, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}

	imageMsg := &waProto.ImageMessage{
		URL:           proto.String(uploadResp.URL),
		DirectPath:    proto.String(uploadResp.DirectPath),
		MediaKey:      uploadResp.MediaKey,
		FileEncSHA256: uploadResp.FileEncSHA256,
		FileSHA256:    uploadResp.FileSHA256,
		FileLength:    proto.Uint64(uploadResp.FileLength),
		Mimetype:      proto.String(mimeType),
	}
	if caption != "" {
		imageMsg.Caption = proto.String(caption)
	}

	if _, err := w.client.SendMessage(ctx, jid, &waProto.Message{ImageMessage: imageMsg}); err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	if w.metrics != nil {
		w.metrics.ChannelOutgoing.WithLabelValues(TypeImage).Inc()
	}
	return nil
}

// DownloadMedia fetches media bytes referenced by an inbound message.
func (w *Wameow) DownloadMedia(ctx context.Context, msg *waProto.Message) ([]byte, string, error) {
	data, err := w.client.DownloadAny(ctx, msg)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}

	mime := "application/octet-stream"
	if msg.ImageMessage != nil {
		if m := msg.ImageMessage.GetMimetype(); m != "" {
			mime = m
		}
	}
	return data, mime, nil
}

func parseJID(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	return types.NewJID(to, types.DefaultUserServer), nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
