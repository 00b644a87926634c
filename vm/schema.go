package vm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// JSONSchemaValidator implements SchemaValidator using
// santhosh-tekuri/jsonschema/v6, compiling each schema document once and
// caching it by schemaID.
type JSONSchemaValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator builds an empty validator; schemas are compiled
// lazily on first use.
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate compiles (and caches) schema under schemaID, then validates value
// against it. value is marshalled/unmarshalled through encoding/json first
// so Go structs and maps are both accepted.
func (v *JSONSchemaValidator) Validate(schemaID string, schema []byte, value any) error {
	compiled, err := v.compile(schemaID, schema)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for schema %q: %w", schemaID, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode value for schema %q: %w", schemaID, err)
	}
	return compiled.Validate(decoded)
}

func (v *JSONSchemaValidator) compile(schemaID string, schema []byte) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.compiled[schemaID]; ok {
		return c, nil
	}

	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema %q: %w", schemaID, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaID, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %q: %w", schemaID, err)
	}
	compiled, err := compiler.Compile(schemaID)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", schemaID, err)
	}
	v.compiled[schemaID] = compiled
	return compiled, nil
}
