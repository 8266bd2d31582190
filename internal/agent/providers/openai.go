package providers

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/agent/toolconv"
	"github.com/haasonsaas/hermes/pkg/models"
)

// OpenAI is the SDK-backed chat-completions provider for api.openai.com
// and compatible endpoints.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI builds the provider; baseURL empty means api.openai.com.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAI) Name() string { return "openai" }

// Complete issues one chat completion.
func (p *OpenAI) Complete(ctx context.Context, req *agent.Request) (*agent.Assistant, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: openaiMessages(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(p.Name(), req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, agent.NewProviderError(p.Name(), req.Model, errors.New("response contained no choices"))
	}

	choice := resp.Choices[0]
	asst := &agent.Assistant{
		Content:          choice.Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		asst.ToolCalls = append(asst.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	asst.FinishReason = mapChatFinish(string(choice.FinishReason), len(asst.ToolCalls) > 0)
	return asst, nil
}

func openaiMessages(system string, msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for i := range msgs {
		m := &msgs[i]
		om := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		switch m.Role {
		case models.RoleTool:
			om.ToolCallID = m.ToolCallID
			om.Name = m.ToolName
		case models.RoleAssistant:
			for _, tc := range m.ToolCalls {
				om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		}
		out = append(out, om)
	}
	return out
}

func wrapOpenAIError(provider, model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := (&agent.ProviderError{Provider: provider, Model: model, Cause: err}).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr.WithCode(code)
		}
		return perr
	}
	return agent.NewProviderError(provider, model, err)
}
