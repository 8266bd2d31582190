// Package agent drives one conversational turn: it assembles provider
// requests from the session transcript, dispatches tool calls through the
// registry, and persists every intermediate message until the model
// settles on a final answer.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/hermes/internal/tools"
	"github.com/haasonsaas/hermes/pkg/models"
)

// API modes a provider can speak. Chat providers take role/content
// message lists; responses-mode providers (Codex) take typed input items.
const (
	APIModeChat      = "chat"
	APIModeResponses = "responses"
)

// Reasoning configures model reasoning for providers that support it.
type Reasoning struct {
	Enabled bool
	Effort  string // low, medium, high
}

// Routing carries OpenRouter provider-routing preferences. Nil leaves
// routing to the provider defaults.
type Routing struct {
	Sort              string
	Only              []string
	Ignore            []string
	Order             []string
	RequireParameters bool
	DataCollection    string
}

// Request is one provider-neutral completion request. Each provider
// applies its own wire shape: chat-completions messages, or
// responses-mode input items with the system prompt moved into
// instructions.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []tools.ToolSchema
	MaxTokens int
	Reasoning Reasoning
	Routing   *Routing
}

// Assistant is the normalized result of one completion, independent of
// the provider that produced it.
type Assistant struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason models.FinishReason

	// ReasoningSummary is human-readable reasoning text when the provider
	// exposes one.
	ReasoningSummary string

	// ReasoningDetails is the opaque chat-completions reasoning payload.
	// It is stored raw and must round-trip byte-identical on the next
	// request or the provider rejects the transcript.
	ReasoningDetails json.RawMessage

	// CodexReasoningItems are responses-mode encrypted reasoning blocks,
	// replayed ahead of this turn's function calls on the next request.
	CodexReasoningItems []models.ReasoningItem

	PromptTokens     int
	CompletionTokens int
}

// Provider executes one completion against a concrete LLM backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Assistant, error)
	Name() string
}
