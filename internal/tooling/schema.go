package tooling

import (
	"encoding/json"
	"fmt"

	invopopSchema "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// marshalFunc is the JSON marshaler used by GenerateSchema. Package-level so
// tests can inject a failing marshaler.
var marshalFunc = func(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// GenerateSchema generates a JSON Schema string from a Go struct using
// invopop/jsonschema reflection. Fields without omitempty are required.
func GenerateSchema(input interface{}) string {
	reflector := invopopSchema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(input)

	schemaBytes, err := marshalFunc(schema)
	if err != nil {
		return ""
	}
	return string(schemaBytes)
}

// CompileSchema compiles a JSON Schema string once so it can be reused for
// every invocation.
func CompileSchema(schemaStr string) (*jsonschema.Schema, error) {
	if schemaStr == "" {
		return nil, fmt.Errorf("empty schema")
	}
	schema, err := jsonschema.CompileString("", schemaStr)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

// ValidateAgainstSchema validates JSON input against a JSON Schema string.
func ValidateAgainstSchema(input json.RawMessage, schemaStr string) error {
	schema, err := CompileSchema(schemaStr)
	if err != nil {
		return err
	}
	return validate(schema, input)
}

func validate(schema *jsonschema.Schema, input json.RawMessage) error {
	var inputData interface{}
	if err := json.Unmarshal(input, &inputData); err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}
	if err := schema.Validate(inputData); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
