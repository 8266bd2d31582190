package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	jsv "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the generated JSON Schema for the config file.
// `hermes doctor --schema` prints it for editor integration.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			AllowAdditionalProperties:  true,
		}
		schema := r.Reflect(&Config{})
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

// validateRawSchema checks the raw config document against the generated
// schema before typed decoding, so type mismatches are reported with the
// offending path.
func validateRawSchema(raw map[string]any) error {
	data, err := JSONSchema()
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	compiler := jsv.NewCompiler()
	if err := compiler.AddResource("hermes-config.json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	schema, err := compiler.Compile("hermes-config.json")
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	// The validator wants plain JSON types; round-trip to normalize the
	// yaml decoder's output (e.g. durations held as strings).
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}
