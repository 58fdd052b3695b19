package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles each distinct schema document at most once. The
// compile step (jsonschema.NewCompiler + AddResource + Compile) mirrors the
// compile-then-validate flow of santhosh-tekuri/jsonschema; this
// cache just avoids repeating it on every repair re-prompt for the same
// call.
type schemaCache struct {
	mu    sync.Mutex
	byKey map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{byKey: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.byKey[key]; ok {
		return s, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	comp := jsonschema.NewCompiler()
	resource := fmt.Sprintf("schema-%d.json", len(c.byKey))
	if err := comp.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := comp.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	c.byKey[key] = schema
	return schema, nil
}

// validateAgainst parses payload as JSON and validates it against raw,
// returning the canonicalized payload on success.
func (c *schemaCache) validateAgainst(raw json.RawMessage, payload []byte) (json.RawMessage, error) {
	schema, err := c.compile(raw)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	return payload, nil
}
