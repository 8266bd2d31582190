package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is the provider-reported reason a completion stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishLength        FinishReason = "length"
	FinishIncomplete    FinishReason = "incomplete"
	FinishContentFilter FinishReason = "content_filter"
)

// Terminal reports whether the finish reason ends a turn when no tool
// calls are pending.
func (f FinishReason) Terminal() bool {
	switch f {
	case FinishStop, FinishLength, FinishContentFilter:
		return true
	}
	return false
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ReasoningItem is one encrypted reasoning block from a responses-mode
// provider. Items are stored verbatim and replayed on the next request.
type ReasoningItem struct {
	Type             string   `json:"type"`
	ID               string   `json:"id"`
	EncryptedContent string   `json:"encrypted_content,omitempty"`
	Summary          []string `json:"summary,omitempty"`
}

// Message is one transcript entry. Ordering within a session is
// (Timestamp, Seq) where Seq is the store's insertion order.
type Message struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Set on tool-role messages, matching an earlier assistant tool call.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// Set on assistant messages that invoked tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	TokenCount   int          `json:"token_count,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`

	// ReasoningDetails is the opaque reasoning payload from chat-completions
	// providers. It must round-trip byte-identical on the next request, so it
	// is held as raw JSON and never re-marshaled through typed structs.
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`

	// CodexReasoningItems carries responses-mode encrypted reasoning.
	CodexReasoningItems []ReasoningItem `json:"codex_reasoning_items,omitempty"`

	// Mirror marks a copy delivered into a sibling-platform session.
	// Mirrored messages are never reprocessed and are excluded from search.
	Mirror bool `json:"mirror,omitempty"`
}

// HasToolCalls reports whether the assistant message requested tools.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}
