package telegram

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/image/webp"

	"github.com/haasonsaas/hermes/pkg/models"
)

// handleUpdate converts an inbound update into a MessageEvent.
// Attachments are fully downloaded before the event is enqueued, so
// the agent can read local paths immediately.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	m := update.Message
	if m == nil {
		return
	}
	if m.From != nil && m.From.IsBot {
		return
	}
	if !a.userAllowed(m.From) {
		a.logger.Debug("dropping message from unlisted user", "chat_id", m.Chat.ID)
		return
	}

	ev := a.convertMessage(ctx, m)
	if ev == nil {
		return
	}

	select {
	case a.events <- ev:
	default:
		a.logger.Warn("event queue full, dropping message", "chat_id", ev.Source.ChatID)
	}
}

func (a *Adapter) convertMessage(ctx context.Context, m *tgmodels.Message) *models.MessageEvent {
	ev := &models.MessageEvent{
		MessageID:   strconv.Itoa(m.ID),
		Text:        m.Text,
		MessageType: models.TypeText,
		Source:      a.origin(m),
		Timestamp:   time.Unix(int64(m.Date), 0),
		RawMessage:  m,
	}
	if m.ReplyToMessage != nil {
		ev.ReplyToMessageID = strconv.Itoa(m.ReplyToMessage.ID)
	}

	switch {
	case m.Sticker != nil:
		a.applySticker(ctx, m, ev)
	case len(m.Photo) > 0:
		ev.MessageType = models.TypePhoto
		ev.Text = m.Caption
		largest := m.Photo[len(m.Photo)-1]
		a.attach(ctx, ev, largest.FileID, "image")
	case m.Voice != nil:
		ev.MessageType = models.TypeVoice
		ev.Text = m.Caption
		a.attach(ctx, ev, m.Voice.FileID, "audio")
	case m.Audio != nil:
		ev.MessageType = models.TypeAudio
		ev.Text = m.Caption
		a.attach(ctx, ev, m.Audio.FileID, "audio")
	case m.Video != nil:
		ev.MessageType = models.TypeVideo
		ev.Text = m.Caption
		a.attach(ctx, ev, m.Video.FileID, "video")
	case m.Document != nil:
		ev.MessageType = models.TypeDocument
		ev.Text = m.Caption
		a.attach(ctx, ev, m.Document.FileID, "document")
	case strings.HasPrefix(m.Text, "/"):
		ev.MessageType = models.TypeCommand
		ev.Text = normalizeCommand(m.Text)
	}

	if ev.Text == "" && len(ev.MediaURLs) == 0 {
		return nil
	}
	return ev
}

func (a *Adapter) origin(m *tgmodels.Message) models.Origin {
	chat := m.Chat
	o := models.Origin{
		Platform: models.SourceTelegram,
		ChatID:   strconv.FormatInt(chat.ID, 10),
		ChatName: chat.Title,
		ChatType: mapChatType(string(chat.Type)),
	}
	if o.ChatName == "" {
		o.ChatName = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	if m.From != nil {
		o.UserID = strconv.FormatInt(m.From.ID, 10)
		o.UserName = m.From.Username
		if o.UserName == "" {
			o.UserName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		}
	}
	if m.MessageThreadID != 0 {
		o.ThreadID = strconv.Itoa(m.MessageThreadID)
		if m.IsTopicMessage {
			o.ChatType = models.ChatForum
		} else {
			o.ChatType = models.ChatThread
		}
	}
	return o
}

// attach downloads a file into the media cache and records its local
// path on the event. Failures are logged and the event proceeds
// without the attachment.
func (a *Adapter) attach(ctx context.Context, ev *models.MessageEvent, fileID, kind string) {
	path, err := a.download(ctx, fileID)
	if err != nil {
		a.logger.Error("media download failed", "error", err, "file_id", fileID)
		return
	}
	ev.MediaURLs = append(ev.MediaURLs, path)
	ev.MediaTypes = append(ev.MediaTypes, kind)
}

func (a *Adapter) download(ctx context.Context, fileID string) (string, error) {
	f, err := a.client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("getFile: %w", err)
	}
	return a.config.Media.Download(ctx, a.client.FileDownloadLink(f), nil)
}

// applySticker turns a sticker into text the agent can use. Static
// stickers are downloaded, checked as WEBP, and described through the
// vision hook; the description is cached by file unique ID so repeats
// cost nothing. Animated and video stickers surface as an emoji
// placeholder only.
func (a *Adapter) applySticker(ctx context.Context, m *tgmodels.Message, ev *models.MessageEvent) {
	st := m.Sticker
	ev.MessageType = models.TypeSticker

	placeholder := "[Sticker]"
	if st.Emoji != "" {
		placeholder = fmt.Sprintf("[Sticker: %s]", st.Emoji)
	}
	ev.Text = placeholder

	if st.IsAnimated || st.IsVideo {
		return
	}

	path, err := a.download(ctx, st.FileID)
	if err != nil {
		a.logger.Warn("sticker download failed", "error", err, "file_id", st.FileID)
		return
	}
	if !decodableWebP(path) {
		a.logger.Debug("sticker is not a decodable webp", "path", path)
		return
	}
	ev.MediaURLs = append(ev.MediaURLs, path)
	ev.MediaTypes = append(ev.MediaTypes, "image")

	desc, err := a.describeSticker(ctx, st.FileUniqueID, path)
	if err != nil {
		a.logger.Warn("sticker description failed", "error", err)
		return
	}
	if desc != "" {
		ev.Text = placeholder + " " + desc
	}
}

func (a *Adapter) describeSticker(ctx context.Context, uniqueID, path string) (string, error) {
	if a.config.Descriptions != nil {
		if text, ok := a.config.Descriptions.Get(uniqueID); ok {
			return text, nil
		}
	}
	if a.config.Describe == nil {
		return "", nil
	}
	text, err := a.config.Describe(ctx, path)
	if err != nil {
		return "", err
	}
	if a.config.Descriptions != nil {
		if err := a.config.Descriptions.Put(uniqueID, text); err != nil {
			a.logger.Warn("persisting sticker description failed", "error", err)
		}
	}
	return text, nil
}

func decodableWebP(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = webp.DecodeConfig(f)
	return err == nil
}

// normalizeCommand strips the @botname suffix Telegram appends to
// commands in groups, so "/status@hermes_bot arg" becomes
// "/status arg".
func normalizeCommand(text string) string {
	cmd, rest, found := strings.Cut(text, " ")
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	if found {
		return cmd + " " + rest
	}
	return cmd
}
