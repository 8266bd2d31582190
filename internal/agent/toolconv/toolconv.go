// Package toolconv converts the registry's provider-neutral tool schemas
// into each SDK's native tool shape.
package toolconv

import "encoding/json"

// schemaMap decodes a raw JSON schema, falling back to an empty object
// schema so a malformed tool never sinks the whole request.
func schemaMap(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m
}
