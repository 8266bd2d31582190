package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/hermes/internal/tools"
)

// ToAnthropicTools converts tool schemas to Anthropic tool definitions.
func ToAnthropicTools(schemas []tools.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(schemas) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		param, err := ToAnthropicTool(s)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

// ToAnthropicTool converts a single tool schema.
func ToAnthropicTool(s tools.ToolSchema) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(s.Parameters, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", s.Name, err)
	}

	param := anthropic.ToolUnionParamOfTool(schema, s.Name)
	if param.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", s.Name)
	}
	param.OfTool.Description = anthropic.String(s.Description)
	return param, nil
}
