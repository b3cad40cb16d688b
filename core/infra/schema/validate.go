package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownSchema is returned when validating against an id that was never added.
var ErrUnknownSchema = errors.New("unknown schema")

// ValidateSchema validates a value against a JSON schema payload.
func ValidateSchema(id string, schema []byte, value any) error {
	compiled, err := compile(id, schema)
	if err != nil {
		return err
	}
	return validate(compiled, value)
}

// Set holds compiled schemas keyed by id.
type Set struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewSet() *Set {
	return &Set{schemas: map[string]*jsonschema.Schema{}}
}

// Add compiles schema and registers it under id, replacing any previous entry.
func (s *Set) Add(id string, schema []byte) error {
	compiled, err := compile(id, schema)
	if err != nil {
		return fmt.Errorf("schema %s: %w", id, err)
	}
	s.mu.Lock()
	s.schemas[id] = compiled
	s.mu.Unlock()
	return nil
}

// Has reports whether id is registered.
func (s *Set) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.schemas[id]
	return ok
}

// Validate checks value against the schema registered under id.
func (s *Set) Validate(id string, value any) error {
	s.mu.RLock()
	compiled, ok := s.schemas[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, id)
	}
	return validate(compiled, value)
}

func compile(id string, schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
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

// normalizeValue converts value into the generic JSON shape the validator expects.
// Go values (YAML-decoded ints, structs) are round-tripped through encoding/json.
func normalizeValue(value any) (any, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = data
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
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
