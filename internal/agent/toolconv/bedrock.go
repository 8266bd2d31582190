package toolconv

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/hermes/internal/tools"
)

// ToBedrockTools converts tool schemas to a Bedrock Converse tool
// configuration.
func ToBedrockTools(schemas []tools.ToolSchema) *types.ToolConfiguration {
	if len(schemas) == 0 {
		return nil
	}
	bedrockTools := make([]types.Tool, len(schemas))
	for i, s := range schemas {
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(s.Name),
				Description: aws.String(s.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schemaMap(s.Parameters)),
				},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}
