package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/pkg/models"
)

const summarizerInstruction = `Summarize the conversation segment below for an AI assistant that will ` +
	`continue the conversation. Preserve decisions, facts, names, file paths, command outputs that ` +
	`matter, and unfinished tasks. Be dense and factual. Plain text only.`

// summarizerSliceLimit caps how much of one message feeds the auxiliary
// model; middles can contain very large tool outputs.
const summarizerSliceLimit = 2000

// Summarizer condenses text through a small auxiliary model. It serves
// both transcript compression and session_search result digests.
type Summarizer struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewSummarizer builds a Summarizer on the OpenAI-compatible endpoint at
// baseURL (empty means api.openai.com).
func NewSummarizer(apiKey, baseURL, model string, logger *slog.Logger) *Summarizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Summarizer{client: openai.NewClientWithConfig(cfg), model: model, logger: logger}
}

// Summarize condenses a transcript middle into one summary paragraph.
// Implements the compressor's Summarizer interface.
func (s *Summarizer) Summarize(ctx context.Context, msgs []models.Message) (string, error) {
	var b strings.Builder
	b.WriteString(summarizerInstruction)
	b.WriteString("\n\n")
	for i := range msgs {
		m := &msgs[i]
		label := string(m.Role)
		if m.Role == models.RoleTool && m.ToolName != "" {
			label = "tool:" + m.ToolName
		}
		content := m.Content
		if len(content) > summarizerSliceLimit {
			content = content[:summarizerSliceLimit] + "…"
		}
		fmt.Fprintf(&b, "[%s] %s\n", label, content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "[%s calls %s] %s\n", m.Role, tc.Name, clip(tc.Arguments, 200))
		}
	}
	return s.Complete(ctx, b.String())
}

// Complete sends one prompt to the auxiliary model and returns its text.
// Matches the tools package's SummarizeFunc shape.
func (s *Summarizer) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("auxiliary model: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("auxiliary model returned no choices")
	}
	s.logger.Debug("auxiliary completion",
		"model", s.model, "prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
