package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/agent/toolconv"
	"github.com/haasonsaas/hermes/pkg/models"
)

// anthropicDefaultMaxTokens applies when the request does not set one;
// the Anthropic API requires max_tokens.
const anthropicDefaultMaxTokens = 8192

// Anthropic is the SDK-backed provider for Claude models.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic builds the provider; baseURL empty means the public API.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete issues one message completion.
func (p *Anthropic) Complete(ctx context.Context, req *agent.Request) (*agent.Assistant, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, agent.NewProviderError(p.Name(), req.Model, err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return nil, agent.NewProviderError(p.Name(), req.Model, err)
		}
		params.Tools = tools
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(p.Name(), req.Model, err)
	}

	asst := &agent.Assistant{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			asst.ToolCalls = append(asst.ToolCalls, models.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		}
	}
	asst.Content = text.String()
	asst.FinishReason = mapAnthropicStop(string(msg.StopReason), len(asst.ToolCalls) > 0)
	return asst, nil
}

// anthropicMessages converts the transcript. System messages are carried
// via the params.System field; tool results ride inside user messages as
// tool_result blocks, which is how the Anthropic API models them.
func anthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for i := range msgs {
		m := &msgs[i]
		if m.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if m.Role == models.RoleTool {
			isError := strings.HasPrefix(m.Content, `{"error"`)
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, isError))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if m.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func mapAnthropicStop(reason string, hasToolCalls bool) models.FinishReason {
	switch reason {
	case "tool_use":
		return models.FinishToolCalls
	case "max_tokens":
		return models.FinishLength
	case "refusal":
		return models.FinishContentFilter
	default:
		if hasToolCalls {
			return models.FinishToolCalls
		}
		return models.FinishStop
	}
}

func wrapAnthropicError(provider, model string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return (&agent.ProviderError{Provider: provider, Model: model, Cause: err}).
			WithStatus(apiErr.StatusCode).
			WithRequestID(apiErr.RequestID).
			WithMessage(err.Error())
	}
	return agent.NewProviderError(provider, model, err)
}
