package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cordum/toolforge/core/tool"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateSchema validates a value against a JSON schema payload.
func ValidateSchema(id string, schema []byte, value any) error {
	compiled, err := compile(id, schema)
	if err != nil {
		return err
	}
	return validate(compiled, value)
}

// CheckSchema reports whether schema compiles. Empty schemas are allowed.
func CheckSchema(id string, schema []byte) error {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil
	}
	_, err := compile(id, schema)
	return err
}

func compile(id string, schema []byte) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func validate(compiled *jsonschema.Schema, value any) error {
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// Cache memoizes compiled schemas by their canonical hash.
type Cache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func NewCache() *Cache {
	return &Cache{compiled: map[string]*jsonschema.Schema{}}
}

// Validate checks value against schema. An empty schema accepts anything.
// Failures are VALIDATION_ERRORs listing the offending locations.
func (c *Cache) Validate(schema json.RawMessage, value any) error {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil
	}
	hash, err := tool.SchemaHash(schema)
	if err != nil {
		return tool.Validation("schema is not valid json: %v", err)
	}
	c.mu.Lock()
	compiled, ok := c.compiled[hash]
	c.mu.Unlock()
	if !ok {
		compiled, err = compile(hash, schema)
		if err != nil {
			return tool.Validation("%v", err)
		}
		c.mu.Lock()
		c.compiled[hash] = compiled
		c.mu.Unlock()
	}
	if err := validate(compiled, value); err != nil {
		verr := tool.Validation("value does not match schema")
		verr.Err = err
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			verr.With("violations", violations(ve))
		}
		return verr
	}
	return nil
}

func violations(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return out
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case tool.Value:
		return v.Interface(), nil
	case *tool.Object:
		return v.Interface(), nil
	case json.RawMessage:
		return decode(v)
	case []byte:
		return decode(v)
	default:
		return value, nil
	}
}

func decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
