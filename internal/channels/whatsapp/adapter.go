// Package whatsapp provides the WhatsApp surface using whatsmeow. The
// session is a personal account paired by QR code, so the adapter keeps
// its device state in a local SQLite store and reconnects with the
// credentials from previous runs.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the device store

	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/channels/chunk"
	"github.com/haasonsaas/hermes/internal/channels/media"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Config holds WhatsApp adapter settings.
type Config struct {
	// SessionPath is the SQLite database holding the paired device state.
	SessionPath string

	// AllowedUsers restricts inbound messages to these phone numbers,
	// full JIDs, or push names. Empty means everyone.
	AllowedUsers []string

	// Media is the shared download cache. Required.
	Media *media.Cache

	// QROutput receives the rendered pairing QR code. Defaults to stdout.
	QROutput io.Writer

	// RateLimit is outbound messages per second. WhatsApp bans
	// aggressively, so the default is conservative.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.SessionPath == "" {
		return channels.ErrConfig("whatsapp session path is required", nil)
	}
	if c.Media == nil {
		return channels.ErrConfig("whatsapp media cache is required", nil)
	}
	if c.QROutput == nil {
		c.QROutput = os.Stdout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 0.5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the WhatsApp channel adapter.
type Adapter struct {
	config  Config
	store   *sqlstore.Container
	client  *whatsmeow.Client
	events  chan *models.MessageEvent
	limiter *channels.RateLimiter
	logger  *slog.Logger

	mu        sync.RWMutex
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the device store and prepares the adapter. The connection is
// established by Start.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessionPath := expandPath(cfg.SessionPath)
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o755); err != nil {
		return nil, channels.ErrConfig("creating whatsapp session directory", err)
	}

	container, err := sqlstore.New(context.Background(), "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", sessionPath), waLog.Noop)
	if err != nil {
		return nil, channels.ErrConfig("opening whatsapp device store", err)
	}

	return &Adapter{
		config:  cfg,
		store:   container,
		events:  make(chan *models.MessageEvent, 100),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  cfg.Logger.With("adapter", "whatsapp"),
	}, nil
}

// Start connects the client. A device with no stored credentials goes
// through QR pairing, with the code rendered to the configured writer.
func (a *Adapter) Start(ctx context.Context) error {
	device, err := a.store.GetFirstDevice(ctx)
	if err != nil {
		return channels.ErrConnection("loading whatsapp device", err)
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	a.ctx, a.cancel = context.WithCancel(context.Background())

	if a.client.Store.ID == nil {
		// GetQRChannel must be called before Connect or pairing
		// events are lost.
		qrChan, err := a.client.GetQRChannel(a.ctx)
		if err != nil {
			a.cancel()
			return channels.ErrConnection("opening whatsapp QR channel", err)
		}
		if err := a.client.Connect(); err != nil {
			a.cancel()
			return channels.ErrConnection("connecting to whatsapp", err)
		}

		a.wg.Add(1)
		go a.pairLoop(qrChan)
	} else {
		if err := a.client.Connect(); err != nil {
			a.cancel()
			return channels.ErrConnection("connecting to whatsapp", err)
		}
	}

	a.logger.Info("whatsapp adapter started", "paired", a.client.Store.ID != nil)
	return nil
}

func (a *Adapter) pairLoop(qrChan <-chan whatsmeow.QRChannelItem) {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				qr, err := qrcode.New(evt.Code, qrcode.Medium)
				if err != nil {
					a.logger.Error("rendering pairing QR failed", "error", err)
					continue
				}
				fmt.Fprintln(a.config.QROutput, qr.ToSmallString(false))
				a.logger.Info("scan the QR code with WhatsApp to pair", "timeout", evt.Timeout)
			case "success":
				a.logger.Info("whatsapp pairing complete")
			case "timeout":
				a.logger.Warn("whatsapp pairing timed out, restart to retry")
			default:
				a.logger.Debug("whatsapp pairing event", "event", evt.Event, "error", evt.Error)
			}
		}
	}
}

// Stop disconnects and closes the device store.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("whatsapp stop timed out")
		return ctx.Err()
	}

	if a.client != nil {
		a.client.Disconnect()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing whatsapp device store", "error", err)
		}
	}
	a.logger.Info("whatsapp adapter stopped")
	return nil
}

// Send delivers text to a chat, split at the platform limit.
func (a *Adapter) Send(ctx context.Context, chatID, content string, opts *models.SendOptions) (*models.SendResult, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return nil, channels.ErrInvalidInput("invalid whatsapp chat id", err)
	}
	if a.client == nil || !a.client.IsConnected() {
		return nil, channels.ErrConnection("whatsapp not connected", nil)
	}

	var lastID string
	for _, text := range chunk.Split(content, chunk.Limit(models.SourceWhatsApp)) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, channels.ErrTimeout("rate limit wait cancelled", err)
		}
		resp, err := a.client.SendMessage(ctx, jid, &waE2E.Message{
			Conversation: proto.String(text),
		})
		if err != nil {
			return nil, channels.ErrInternal("whatsapp send failed", err)
		}
		lastID = resp.ID
	}

	return &models.SendResult{Success: true, MessageID: lastID}, nil
}

// SendTyping shows the composing indicator.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return channels.ErrInvalidInput("invalid whatsapp chat id", err)
	}
	if a.client == nil || !a.client.IsConnected() {
		return nil
	}
	if err := a.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText); err != nil {
		a.logger.Debug("chat presence failed", "error", err)
	}
	return nil
}

// SendImage uploads an image and sends it with an optional caption.
func (a *Adapter) SendImage(ctx context.Context, chatID, source, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return nil, channels.ErrInvalidInput("invalid whatsapp chat id", err)
	}
	data, err := a.readSource(ctx, source)
	if err != nil {
		return nil, err
	}
	mimeType := http.DetectContentType(data)

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}
	uploaded, err := a.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return nil, channels.ErrInternal("whatsapp image upload failed", err)
	}

	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		URL:           &uploaded.URL,
		DirectPath:    &uploaded.DirectPath,
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    &uploaded.FileLength,
		Mimetype:      &mimeType,
	}}
	if caption != "" {
		msg.ImageMessage.Caption = proto.String(caption)
	}

	resp, err := a.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, channels.ErrInternal("whatsapp image send failed", err)
	}
	return &models.SendResult{Success: true, MessageID: resp.ID}, nil
}

// SendVoice uploads audio as a push-to-talk note so the client renders
// the inline player.
func (a *Adapter) SendVoice(ctx context.Context, chatID, audioPath, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return nil, channels.ErrInvalidInput("invalid whatsapp chat id", err)
	}
	data, err := a.readSource(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	mimeType := voiceMimeType(audioPath, data)

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait cancelled", err)
	}
	uploaded, err := a.client.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return nil, channels.ErrInternal("whatsapp audio upload failed", err)
	}

	msg := &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
		URL:           &uploaded.URL,
		DirectPath:    &uploaded.DirectPath,
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    &uploaded.FileLength,
		Mimetype:      &mimeType,
		PTT:           proto.Bool(true),
	}}

	resp, err := a.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, channels.ErrInternal("whatsapp voice send failed", err)
	}
	res := &models.SendResult{Success: true, MessageID: resp.ID}
	if caption != "" {
		if _, err := a.Send(ctx, chatID, caption, opts); err != nil {
			a.logger.Warn("voice caption send failed", "error", err)
		}
	}
	return res, nil
}

// ChatInfo reports group metadata or the contact name for a DM.
func (a *Adapter) ChatInfo(ctx context.Context, chatID string) (*channels.ChatInfo, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return nil, channels.ErrInvalidInput("invalid whatsapp chat id", err)
	}
	if a.client == nil {
		return nil, channels.ErrConnection("whatsapp not connected", nil)
	}

	if jid.Server == types.GroupServer {
		group, err := a.client.GetGroupInfo(ctx, jid)
		if err != nil {
			return nil, channels.ErrInternal("fetching group info", err)
		}
		return &channels.ChatInfo{
			ID:          chatID,
			Name:        group.Name,
			Topic:       group.Topic,
			Type:        models.ChatGroup,
			MemberCount: len(group.Participants),
		}, nil
	}

	info := &channels.ChatInfo{ID: chatID, Name: jid.User, Type: models.ChatDM}
	if contact, err := a.client.Store.Contacts.GetContact(ctx, jid); err == nil {
		switch {
		case contact.FullName != "":
			info.Name = contact.FullName
		case contact.PushName != "":
			info.Name = contact.PushName
		}
	}
	return info, nil
}

// Events returns the inbound event stream.
func (a *Adapter) Events() <-chan *models.MessageEvent {
	return a.events
}

// Type identifies the platform.
func (a *Adapter) Type() models.Source {
	return models.SourceWhatsApp
}

// readSource loads outbound media bytes from a local path or, through
// the cache, from a URL.
func (a *Adapter) readSource(ctx context.Context, source string) ([]byte, error) {
	path := source
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		cached, err := a.config.Media.Download(ctx, source, nil)
		if err != nil {
			return nil, channels.ErrConnection("downloading media source", err)
		}
		path = cached
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, channels.ErrInvalidInput("reading media source", err)
	}
	return data, nil
}

// voiceMimeType picks the audio MIME type. Opus voice notes must be
// declared as such or clients fall back to a generic file bubble.
func voiceMimeType(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ogg", ".opus":
		return "audio/ogg; codecs=opus"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	}
	return http.DetectContentType(data)
}

// expandPath expands a leading ~/ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
