package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/agent/toolconv"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Bedrock is the AWS-hosted provider, speaking the Converse API so tool
// use works uniformly across the models Bedrock fronts.
type Bedrock struct {
	client *bedrockruntime.Client
}

// NewBedrock builds the provider using the default AWS credential chain.
func NewBedrock(ctx context.Context, region string) (*Bedrock, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Bedrock{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

func (p *Bedrock) Name() string { return "bedrock" }

// Complete issues one Converse call.
func (p *Bedrock) Complete(ctx context.Context, req *agent.Request) (*agent.Assistant, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: bedrockMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(req.MaxTokens)),
		}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toolconv.ToBedrockTools(req.Tools)
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, wrapBedrockError(p.Name(), req.Model, err)
	}

	asst := &agent.Assistant{}
	if out.Usage != nil {
		asst.PromptTokens = int(aws.ToInt32(out.Usage.InputTokens))
		asst.CompletionTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}

	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		var text strings.Builder
		for _, block := range msg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				text.WriteString(b.Value)
			case *types.ContentBlockMemberToolUse:
				args := "{}"
				if b.Value.Input != nil {
					if raw, err := b.Value.Input.MarshalSmithyDocument(); err == nil {
						args = string(raw)
					}
				}
				asst.ToolCalls = append(asst.ToolCalls, models.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: args,
				})
			}
		}
		asst.Content = text.String()
	}
	asst.FinishReason = mapBedrockStop(out.StopReason, len(asst.ToolCalls) > 0)
	return asst, nil
}

// bedrockMessages converts the transcript to Converse messages. System
// messages ride in the top-level System field; tool results become
// toolResult blocks on user-role messages.
func bedrockMessages(msgs []models.Message) []types.Message {
	result := make([]types.Message, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock
		if m.Role == models.RoleTool {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: m.Content},
					},
				},
			})
			result = append(result, types.Message{Role: types.ConversationRoleUser, Content: content})
			continue
		}

		if m.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var inputDoc map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if m.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func mapBedrockStop(reason types.StopReason, hasToolCalls bool) models.FinishReason {
	switch reason {
	case types.StopReasonToolUse:
		return models.FinishToolCalls
	case types.StopReasonMaxTokens:
		return models.FinishLength
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return models.FinishContentFilter
	default:
		if hasToolCalls {
			return models.FinishToolCalls
		}
		return models.FinishStop
	}
}

func wrapBedrockError(provider, model string, err error) error {
	perr := agent.NewProviderError(provider, model, err)

	var throttle *types.ThrottlingException
	if errors.As(err, &throttle) {
		perr.Reason = agent.FailRateLimit
		return perr
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		perr.WithCode(apiErr.ErrorCode()).WithMessage(apiErr.ErrorMessage())
	}
	return perr
}
