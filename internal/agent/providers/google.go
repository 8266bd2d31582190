package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/agent/toolconv"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Google is the Gemini provider on the Gen AI SDK.
type Google struct {
	client *genai.Client
}

// NewGoogle builds the provider against the Gemini API backend.
func NewGoogle(ctx context.Context, apiKey string) (*Google, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Google{client: client}, nil
}

func (p *Google) Name() string { return "google" }

// Complete issues one generateContent call.
func (p *Google) Complete(ctx context.Context, req *agent.Request) (*agent.Assistant, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toolconv.ToGeminiTools(req.Tools)
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, geminiContents(req.Messages), cfg)
	if err != nil {
		return nil, agent.NewProviderError(p.Name(), req.Model, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, agent.NewProviderError(p.Name(), req.Model, fmt.Errorf("response contained no candidates"))
	}

	asst := &agent.Assistant{}
	if resp.UsageMetadata != nil {
		asst.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		asst.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	candidate := resp.Candidates[0]
	for i, part := range candidate.Content.Parts {
		if part.Text != "" {
			asst.Content += part.Text
		}
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil {
				args = []byte("{}")
			}
			id := fc.ID
			if id == "" {
				// Gemini omits call IDs; synthesize stable ones so the
				// transcript pairing machinery works unchanged.
				id = fmt.Sprintf("%s-%d", fc.Name, i)
			}
			asst.ToolCalls = append(asst.ToolCalls, models.ToolCall{
				ID:        id,
				Name:      fc.Name,
				Arguments: string(args),
			})
		}
	}
	asst.FinishReason = mapGeminiFinish(candidate.FinishReason, len(asst.ToolCalls) > 0)
	return asst, nil
}

// geminiContents converts the transcript. Gemini has no tool role; the
// function response rides in a user-role content, matched by function
// name rather than call ID.
func geminiContents(msgs []models.Message) []*genai.Content {
	var result []*genai.Content
	for i := range msgs {
		m := &msgs[i]
		if m.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if m.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		switch m.Role {
		case models.RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     m.ToolName,
					Response: response,
				},
			})
		default:
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func mapGeminiFinish(reason genai.FinishReason, hasToolCalls bool) models.FinishReason {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return models.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return models.FinishContentFilter
	default:
		if hasToolCalls {
			return models.FinishToolCalls
		}
		return models.FinishStop
	}
}
