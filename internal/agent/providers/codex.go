package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/pkg/models"
)

const codexBaseURL = "https://api.openai.com/v1"

// Responses-mode wire types. The input list mixes typed items, so it is
// held as []any of the concrete structs below.
type responsesRequest struct {
	Model           string              `json:"model"`
	Instructions    string              `json:"instructions,omitempty"`
	Input           []any               `json:"input"`
	Tools           []responsesTool     `json:"tools,omitempty"`
	Store           bool                `json:"store"`
	Include         []string            `json:"include,omitempty"`
	Reasoning       *responsesReasoning `json:"reasoning,omitempty"`
	MaxOutputTokens int                 `json:"max_output_tokens,omitempty"`
}

// responsesTool is the flat tool shape; responses mode does not nest
// functions under a "function" key.
type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type responsesReasoning struct {
	Effort string `json:"effort,omitempty"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type inputFunctionCall struct {
	Type      string `json:"type"` // function_call
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type inputFunctionOutput struct {
	Type   string `json:"type"` // function_call_output
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type inputReasoning struct {
	Type             string             `json:"type"` // reasoning
	ID               string             `json:"id,omitempty"`
	EncryptedContent string             `json:"encrypted_content,omitempty"`
	Summary          []reasoningSummary `json:"summary"`
}

type reasoningSummary struct {
	Type string `json:"type"` // summary_text
	Text string `json:"text"`
}

type responsesResponse struct {
	ID                string             `json:"id"`
	Status            string             `json:"status"`
	Output            []responsesOutput  `json:"output"`
	Usage             responsesUsage     `json:"usage"`
	Error             *apiError          `json:"error"`
	IncompleteDetails *incompleteDetails `json:"incomplete_details"`
}

type incompleteDetails struct {
	Reason string `json:"reason"`
}

// responsesOutput is the union of message, function_call, and reasoning
// output items; only the fields for the reported Type are set.
type responsesOutput struct {
	Type             string             `json:"type"`
	ID               string             `json:"id"`
	Role             string             `json:"role"`
	Content          []responsesContent `json:"content"`
	CallID           string             `json:"call_id"`
	Name             string             `json:"name"`
	Arguments        string             `json:"arguments"`
	EncryptedContent string             `json:"encrypted_content"`
	Summary          []reasoningSummary `json:"summary"`
}

type responsesContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Codex speaks the responses API. Requests are stateless (store=false)
// with encrypted reasoning included, so continuing a multi-step thought
// requires replaying the stored reasoning items ahead of each turn's
// function calls.
type Codex struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewCodex builds the provider; baseURL empty means the public endpoint.
func NewCodex(apiKey, baseURL string) *Codex {
	if baseURL == "" {
		baseURL = codexBaseURL
	}
	return &Codex{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(),
	}
}

func (p *Codex) Name() string { return "codex" }

// Complete issues one responses-mode completion.
func (p *Codex) Complete(ctx context.Context, req *agent.Request) (*agent.Assistant, error) {
	body := buildResponsesRequest(req)

	headers := map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}

	var out responsesResponse
	if err := postJSON(ctx, p.client, p.baseURL+"/responses", headers, p.Name(), req.Model, body, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		perr := agent.NewProviderError(p.Name(), req.Model, nil).
			WithMessage(out.Error.Message)
		if code := out.Error.codeString(); code != "" {
			perr.WithCode(code)
		}
		return nil, perr
	}
	return normalizeResponses(&out), nil
}

func buildResponsesRequest(req *agent.Request) *responsesRequest {
	body := &responsesRequest{
		Model:           req.Model,
		Instructions:    responsesInstructions(req),
		Input:           buildResponsesInput(req.Messages),
		Store:           false,
		Include:         []string{"reasoning.encrypted_content"},
		MaxOutputTokens: req.MaxTokens,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if req.Reasoning.Enabled {
		effort := req.Reasoning.Effort
		if effort == "" {
			effort = "medium"
		}
		body.Reasoning = &responsesReasoning{Effort: effort}
	}
	return body
}

// responsesInstructions folds the system prompt and any transcript
// system messages (context summaries) into the instructions field, which
// is where responses mode carries system-level text.
func responsesInstructions(req *agent.Request) string {
	parts := make([]string, 0, 2)
	if req.System != "" {
		parts = append(parts, req.System)
	}
	for i := range req.Messages {
		if req.Messages[i].Role == models.RoleSystem && req.Messages[i].Content != "" {
			parts = append(parts, req.Messages[i].Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// buildResponsesInput converts the transcript into typed input items:
// system messages are dropped (carried via instructions), user messages
// pass through, assistant turns replay stored reasoning items ahead of
// their function calls, and tool messages become function_call_output.
// Reasoning items without encrypted content are skipped.
func buildResponsesInput(msgs []models.Message) []any {
	items := make([]any, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case models.RoleSystem:
			continue
		case models.RoleUser:
			items = append(items, inputMessage{Role: "user", Content: m.Content})
		case models.RoleAssistant:
			for _, ri := range m.CodexReasoningItems {
				if ri.EncryptedContent == "" {
					continue
				}
				items = append(items, replayReasoning(ri))
			}
			if m.Content != "" {
				items = append(items, inputMessage{Role: "assistant", Content: m.Content})
			}
			for _, tc := range m.ToolCalls {
				items = append(items, inputFunctionCall{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: tc.Arguments,
				})
			}
		case models.RoleTool:
			items = append(items, inputFunctionOutput{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Content,
			})
		}
	}
	return items
}

func replayReasoning(ri models.ReasoningItem) inputReasoning {
	item := inputReasoning{
		Type:             "reasoning",
		ID:               ri.ID,
		EncryptedContent: ri.EncryptedContent,
		Summary:          []reasoningSummary{},
	}
	for _, s := range ri.Summary {
		item.Summary = append(item.Summary, reasoningSummary{Type: "summary_text", Text: s})
	}
	return item
}

func normalizeResponses(resp *responsesResponse) *agent.Assistant {
	asst := &agent.Assistant{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}

	var text strings.Builder
	var summaries []string
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text.WriteString(c.Text)
				}
			}
		case "function_call":
			asst.ToolCalls = append(asst.ToolCalls, models.ToolCall{
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
			})
		case "reasoning":
			ri := models.ReasoningItem{
				Type:             "reasoning",
				ID:               item.ID,
				EncryptedContent: item.EncryptedContent,
			}
			for _, s := range item.Summary {
				ri.Summary = append(ri.Summary, s.Text)
				summaries = append(summaries, s.Text)
			}
			asst.CodexReasoningItems = append(asst.CodexReasoningItems, ri)
		}
	}
	asst.Content = text.String()
	asst.ReasoningSummary = strings.Join(summaries, "\n")
	asst.FinishReason = mapResponsesFinish(resp, len(asst.ToolCalls) > 0)
	return asst
}

func mapResponsesFinish(resp *responsesResponse, hasToolCalls bool) models.FinishReason {
	if hasToolCalls {
		return models.FinishToolCalls
	}
	switch resp.Status {
	case "incomplete":
		if resp.IncompleteDetails != nil && resp.IncompleteDetails.Reason == "max_output_tokens" {
			return models.FinishLength
		}
		return models.FinishIncomplete
	default:
		return models.FinishStop
	}
}
