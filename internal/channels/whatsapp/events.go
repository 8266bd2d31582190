package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/haasonsaas/hermes/pkg/models"
)

func (a *Adapter) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		a.mu.Lock()
		a.connected = true
		a.mu.Unlock()
		a.logger.Info("connected to whatsapp")

	case *events.Disconnected:
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
		// whatsmeow reconnects on its own; Connected fires again when
		// the session is restored.
		a.logger.Warn("disconnected from whatsapp")

	case *events.LoggedOut:
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
		a.logger.Warn("logged out from whatsapp, delete the session file and re-pair", "reason", v.Reason)

	case *events.Message:
		a.handleMessage(v)
	}
}

func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if !a.userAllowed(evt.Info.Sender, evt.Info.PushName) {
		a.logger.Debug("dropping message from non-allowlisted user", "sender", evt.Info.Sender.String())
		return
	}

	converted := a.convertMessage(evt)
	if converted == nil {
		return
	}

	select {
	case a.events <- converted:
	case <-a.ctx.Done():
	default:
		a.logger.Warn("event queue full, dropping message", "chat_id", evt.Info.Chat.String())
	}
}

func (a *Adapter) convertMessage(evt *events.Message) *models.MessageEvent {
	converted := &models.MessageEvent{
		Text:             textContent(evt.Message),
		MessageType:      models.TypeText,
		MessageID:        evt.Info.ID,
		Source:           origin(evt.Info),
		RawMessage:       evt,
		ReplyToMessageID: quotedMessageID(evt.Message),
		Timestamp:        evt.Info.Timestamp,
	}

	if dl, kind, ext := downloadable(evt.Message); dl != nil {
		data, err := a.client.Download(a.ctx, dl)
		if err != nil {
			a.logger.Error("media download failed", "error", err, "kind", kind)
		} else if path, err := a.config.Media.Store(data, ext); err != nil {
			a.logger.Error("caching media failed", "error", err)
		} else {
			converted.MediaURLs = append(converted.MediaURLs, path)
			converted.MediaTypes = append(converted.MediaTypes, kind)
		}
	}

	if converted.Text == "" && len(converted.MediaTypes) > 0 {
		converted.MessageType = mediaMessageType(evt.Message, converted.MediaTypes[0])
	}
	if strings.HasPrefix(converted.Text, "/") {
		converted.MessageType = models.TypeCommand
	}
	if converted.Text == "" && len(converted.MediaURLs) == 0 {
		return nil
	}
	return converted
}

// textContent pulls the text out of whichever message shape carries it.
func textContent(msg *waE2E.Message) string {
	switch {
	case msg == nil:
		return ""
	case msg.Conversation != nil:
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		return msg.ImageMessage.GetCaption()
	case msg.VideoMessage != nil:
		return msg.VideoMessage.GetCaption()
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage.GetCaption()
	}
	return ""
}

// quotedMessageID returns the stanza ID of the message this one replies to.
func quotedMessageID(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	return msg.GetExtendedTextMessage().GetContextInfo().GetStanzaID()
}

// downloadable returns the media payload of the message along with its
// kind and a file extension for the cache.
func downloadable(msg *waE2E.Message) (whatsmeow.DownloadableMessage, string, string) {
	switch {
	case msg == nil:
		return nil, "", ""
	case msg.ImageMessage != nil:
		return msg.ImageMessage, "image", extForMime(msg.ImageMessage.GetMimetype(), ".jpg")
	case msg.VideoMessage != nil:
		return msg.VideoMessage, "video", extForMime(msg.VideoMessage.GetMimetype(), ".mp4")
	case msg.AudioMessage != nil:
		return msg.AudioMessage, "audio", extForMime(msg.AudioMessage.GetMimetype(), ".ogg")
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage, "document", extForMime(msg.DocumentMessage.GetMimetype(), ".bin")
	case msg.StickerMessage != nil:
		return msg.StickerMessage, "image", ".webp"
	}
	return nil, "", ""
}

// mediaMessageType classifies a captionless media message. Push-to-talk
// audio becomes a voice event so transcription can kick in.
func mediaMessageType(msg *waE2E.Message, kind string) models.MessageType {
	switch kind {
	case "image":
		if msg.GetStickerMessage() != nil {
			return models.TypeSticker
		}
		return models.TypePhoto
	case "video":
		return models.TypeVideo
	case "audio":
		if msg.GetAudioMessage().GetPTT() {
			return models.TypeVoice
		}
		return models.TypeAudio
	}
	return models.TypeDocument
}

func extForMime(mimeType, fallback string) string {
	switch strings.SplitN(mimeType, ";", 2)[0] {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "application/pdf":
		return ".pdf"
	}
	return fallback
}

// origin builds the event origin without any network lookups. Group
// names are resolved lazily through ChatInfo.
func origin(info types.MessageInfo) models.Origin {
	o := models.Origin{
		Platform: models.SourceWhatsApp,
		ChatID:   info.Chat.String(),
		UserID:   info.Sender.User,
		UserName: info.PushName,
		ChatType: models.ChatDM,
	}
	if info.IsGroup {
		o.ChatType = models.ChatGroup
	} else {
		o.ChatName = info.PushName
	}
	return o
}

func (a *Adapter) userAllowed(sender types.JID, pushName string) bool {
	if len(a.config.AllowedUsers) == 0 {
		return true
	}
	for _, allowed := range a.config.AllowedUsers {
		if allowed == sender.User || allowed == sender.String() || strings.EqualFold(allowed, pushName) {
			return true
		}
	}
	return false
}
