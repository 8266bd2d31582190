package toolconv

import (
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/hermes/internal/tools"
)

// ToGeminiTools converts tool schemas to Gemini function declarations.
func ToGeminiTools(schemas []tools.ToolSchema) []*genai.Tool {
	if len(schemas) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  ToGeminiSchema(schemaMap(s.Parameters)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// ToGeminiSchema converts a JSON Schema map to Gemini's Schema type.
// Gemini takes a typed schema tree rather than raw JSON, so only the
// subset it understands survives the conversion.
func ToGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = ToGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = ToGeminiSchema(items)
	}

	return schema
}
