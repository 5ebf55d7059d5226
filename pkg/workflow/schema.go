package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles a JSON-Schema document given as a generic map.
// Definitions build their parameter schemas this way once, at registration.
func CompileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("parameters.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("parameters.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// MustCompileSchema is CompileSchema for package-level schema variables.
func MustCompileSchema(doc map[string]any) *jsonschema.Schema {
	sch, err := CompileSchema(doc)
	if err != nil {
		panic(err)
	}
	return sch
}

// ValidateWithSchema validates raw parameters against a compiled schema.
// The map is round-tripped through JSON first so Go-native values (ints,
// typed slices) validate the same as decoded request bodies.
func ValidateWithSchema(sch *jsonschema.Schema, raw map[string]any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal parameters: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
