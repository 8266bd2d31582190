package models

import (
	"encoding/json"
	"time"
)

// Source identifies where a session's traffic originates.
type Source string

const (
	SourceCLI      Source = "cli"
	SourceTelegram Source = "telegram"
	SourceDiscord  Source = "discord"
	SourceSlack    Source = "slack"
	SourceWhatsApp Source = "whatsapp"
	SourceCron     Source = "cron"
)

// ValidSource reports whether s is a known session source.
func ValidSource(s Source) bool {
	switch s {
	case SourceCLI, SourceTelegram, SourceDiscord, SourceSlack, SourceWhatsApp, SourceCron:
		return true
	}
	return false
}

// Session is one continuous agent conversation. A session is active while
// EndedAt is zero; once ended its counters are frozen. Parent links form a
// forest (compression-chained splits), never a cycle.
type Session struct {
	ID              string          `json:"id"`
	Source          Source          `json:"source"`
	UserID          string          `json:"user_id,omitempty"`
	Model           string          `json:"model"`
	ModelConfig     json.RawMessage `json:"model_config,omitempty"`
	SystemPrompt    string          `json:"system_prompt,omitempty"`
	ParentSessionID string          `json:"parent_session_id,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	EndReason string    `json:"end_reason,omitempty"`

	MessageCount  int `json:"message_count"`
	ToolCallCount int `json:"tool_call_count"`
	InputTokens   int `json:"input_tokens"`
	OutputTokens  int `json:"output_tokens"`
}

// Active reports whether the session has not been ended.
func (s *Session) Active() bool {
	return s.EndedAt.IsZero()
}

// Session end reasons written by the runtime.
const (
	EndReasonReset       = "reset"
	EndReasonShutdown    = "shutdown"
	EndReasonCompression = "compression_split"
	EndReasonPruned      = "pruned"
	EndReasonCompleted   = "completed"
)
