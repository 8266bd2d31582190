package toolconv

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/hermes/internal/tools"
)

// ToOpenAITools converts tool schemas to the OpenAI function-tool shape.
func ToOpenAITools(schemas []tools.ToolSchema) []openai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(schemas))
	for i, s := range schemas {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  schemaMap(s.Parameters),
			},
		}
	}
	return result
}
