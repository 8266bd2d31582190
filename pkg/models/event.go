package models

import (
	"strings"
	"time"
)

// ChatType classifies the conversation container on a platform.
type ChatType string

const (
	ChatDM      ChatType = "dm"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
	ChatThread  ChatType = "thread"
	ChatForum   ChatType = "forum"
)

// Origin is the immutable source identity attached to a session at
// creation. The tuple (Platform, ChatID, ThreadID) is the conversation key.
type Origin struct {
	Platform  Source   `json:"platform"`
	ChatID    string   `json:"chat_id"`
	ChatName  string   `json:"chat_name,omitempty"`
	ChatType  ChatType `json:"chat_type,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	UserName  string   `json:"user_name,omitempty"`
	ThreadID  string   `json:"thread_id,omitempty"`
	ChatTopic string   `json:"chat_topic,omitempty"`
}

// ConversationKey returns the serialization key for this origin:
// "platform:chat_id" or "platform:chat_id:thread_id".
func (o Origin) ConversationKey() string {
	var b strings.Builder
	b.WriteString(string(o.Platform))
	b.WriteByte(':')
	b.WriteString(o.ChatID)
	if o.ThreadID != "" {
		b.WriteByte(':')
		b.WriteString(o.ThreadID)
	}
	return b.String()
}

// CLIOrigin is the synthetic origin used by the local CLI surface.
func CLIOrigin() Origin {
	return Origin{Platform: SourceCLI, ChatID: "cli", ChatType: ChatDM}
}

// MessageType classifies an inbound platform event.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeCommand  MessageType = "command"
	TypePhoto    MessageType = "photo"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeVoice    MessageType = "voice"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
)

// MessageEvent is the normalized inbound event every adapter hands to the
// gateway.
type MessageEvent struct {
	Text             string      `json:"text"`
	MessageType      MessageType `json:"message_type"`
	Source           Origin      `json:"source"`
	RawMessage       any         `json:"-"`
	MessageID        string      `json:"message_id,omitempty"`
	MediaURLs        []string    `json:"media_urls,omitempty"`
	MediaTypes       []string    `json:"media_types,omitempty"`
	ReplyToMessageID string      `json:"reply_to_message_id,omitempty"`
	Timestamp        time.Time   `json:"timestamp,omitempty"`
}

// IsCommand reports whether the event is a whole-message slash command.
func (e *MessageEvent) IsCommand() bool {
	if e.MessageType == TypeCommand {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(e.Text), "/")
}

// SendResult is the outcome of one outbound platform delivery.
type SendResult struct {
	Success     bool   `json:"success"`
	MessageID   string `json:"message_id,omitempty"`
	Error       string `json:"error,omitempty"`
	RawResponse any    `json:"-"`
}

// SendOptions carries optional outbound delivery parameters.
type SendOptions struct {
	ReplyTo  string         `json:"reply_to,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
