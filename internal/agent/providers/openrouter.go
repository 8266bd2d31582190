package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/pkg/models"
)

const openrouterBaseURL = "https://openrouter.ai/api/v1"

// Chat-completions wire types. Assistant messages carry reasoning_details
// as raw JSON so the replay is byte-identical; OpenRouter rejects
// transcripts whose reasoning payloads were re-marshaled through typed
// structs.
type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []chatMessage  `json:"messages"`
	Tools     []chatTool     `json:"tools,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Usage     *chatUsageOpt  `json:"usage,omitempty"`
	Reasoning *chatReasoning `json:"reasoning,omitempty"`
	Provider  *providerPrefs `json:"provider,omitempty"`
}

type chatMessage struct {
	Role             string          `json:"role"`
	Content          string          `json:"content"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	Name             string          `json:"name,omitempty"`
	ToolCalls        []chatToolCall  `json:"tool_calls,omitempty"`
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string          `json:"type"`
	Function chatFunctionDef `json:"function"`
}

type chatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatReasoning struct {
	Enabled bool   `json:"enabled"`
	Effort  string `json:"effort,omitempty"`
}

// providerPrefs is OpenRouter's provider-routing object.
type providerPrefs struct {
	Sort              string   `json:"sort,omitempty"`
	Only              []string `json:"only,omitempty"`
	Ignore            []string `json:"ignore,omitempty"`
	Order             []string `json:"order,omitempty"`
	RequireParameters bool     `json:"require_parameters,omitempty"`
	DataCollection    string   `json:"data_collection,omitempty"`
}

type chatUsageOpt struct {
	Include bool `json:"include"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Error   *apiError    `json:"error"`
}

type chatChoice struct {
	Message      chatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatChoiceMessage struct {
	Role             string          `json:"role"`
	Content          string          `json:"content"`
	ToolCalls        []chatToolCall  `json:"tool_calls"`
	Reasoning        string          `json:"reasoning"`
	ReasoningDetails json.RawMessage `json:"reasoning_details"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenRouter is the default chat-completions provider. It builds request
// bodies by hand so OpenRouter's extra fields (reasoning, provider
// routing) ride at the top level of the JSON body.
type OpenRouter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenRouter builds the provider; baseURL empty means the public
// OpenRouter endpoint.
func NewOpenRouter(apiKey, baseURL string) *OpenRouter {
	if baseURL == "" {
		baseURL = openrouterBaseURL
	}
	return &OpenRouter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(),
	}
}

func (p *OpenRouter) Name() string { return "openrouter" }

// Complete issues one chat completion.
func (p *OpenRouter) Complete(ctx context.Context, req *agent.Request) (*agent.Assistant, error) {
	body := buildChatRequest(req)

	headers := map[string]string{
		"Authorization": "Bearer " + p.apiKey,
		"HTTP-Referer":  "https://github.com/haasonsaas/hermes",
		"X-Title":       "Hermes",
	}

	var out chatResponse
	if err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", headers, p.Name(), req.Model, body, &out); err != nil {
		return nil, err
	}
	// OpenRouter reports some upstream failures inside a 200 body.
	if out.Error != nil {
		perr := agent.NewProviderError(p.Name(), req.Model, nil).
			WithMessage(out.Error.Message)
		if code := out.Error.codeString(); code != "" {
			perr.WithCode(code)
		}
		return nil, perr
	}
	if len(out.Choices) == 0 {
		return nil, agent.NewProviderError(p.Name(), req.Model, fmt.Errorf("response contained no choices"))
	}
	return normalizeChatResponse(&out), nil
}

func buildChatRequest(req *agent.Request) *chatRequest {
	body := &chatRequest{
		Model:     req.Model,
		Messages:  chatMessages(req.System, req.Messages),
		MaxTokens: req.MaxTokens,
		Usage:     &chatUsageOpt{Include: true},
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, chatTool{
			Type: "function",
			Function: chatFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.Reasoning.Enabled {
		body.Reasoning = &chatReasoning{Enabled: true, Effort: req.Reasoning.Effort}
	}
	if r := req.Routing; r != nil {
		body.Provider = &providerPrefs{
			Sort:              r.Sort,
			Only:              r.Only,
			Ignore:            r.Ignore,
			Order:             r.Order,
			RequireParameters: r.RequireParameters,
			DataCollection:    r.DataCollection,
		}
	}
	return body
}

func chatMessages(system string, msgs []models.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, chatMessage{Role: "system", Content: system})
	}
	for i := range msgs {
		m := &msgs[i]
		cm := chatMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case models.RoleTool:
			cm.ToolCallID = m.ToolCallID
			cm.Name = m.ToolName
		case models.RoleAssistant:
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: chatFunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			cm.ReasoningDetails = m.ReasoningDetails
		}
		out = append(out, cm)
	}
	return out
}

func normalizeChatResponse(resp *chatResponse) *agent.Assistant {
	choice := resp.Choices[0]
	asst := &agent.Assistant{
		Content:          choice.Message.Content,
		ReasoningSummary: choice.Message.Reasoning,
		ReasoningDetails: choice.Message.ReasoningDetails,
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
	asst.FinishReason = mapChatFinish(choice.FinishReason, len(asst.ToolCalls) > 0)
	return asst
}

func mapChatFinish(reason string, hasToolCalls bool) models.FinishReason {
	switch reason {
	case "tool_calls", "function_call":
		return models.FinishToolCalls
	case "length":
		return models.FinishLength
	case "content_filter":
		return models.FinishContentFilter
	case "incomplete":
		return models.FinishIncomplete
	default:
		if hasToolCalls {
			return models.FinishToolCalls
		}
		return models.FinishStop
	}
}
