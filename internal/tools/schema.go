package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaCache compiles tool parameter schemas once and keeps them in an
// in-process cache keyed by tool name.
type SchemaCache struct {
	c *ristretto.Cache[string, *gojsonschema.Schema]
}

// NewSchemaCache creates a cache sized for a few hundred tools. If the cache
// cannot be built, schemas are compiled on every call.
func NewSchemaCache() *SchemaCache {
	c, err := ristretto.NewCache(&ristretto.Config[string, *gojsonschema.Schema]{
		NumCounters: 4096,
		MaxCost:     512,
		BufferItems: 64,
	})
	if err != nil {
		return &SchemaCache{}
	}
	return &SchemaCache{c: c}
}

// Invalidate drops the compiled schema for a tool.
func (s *SchemaCache) Invalidate(name string) {
	if s.c != nil {
		s.c.Del(name)
	}
}

// Validate checks params against the tool's declared parameter schema.
func (s *SchemaCache) Validate(t Tool, params map[string]any) error {
	schema, err := s.compile(t)
	if err != nil {
		return fmt.Errorf("%w: %s: bad schema: %v", ErrInvalidParams, t.Name(), err)
	}
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, t.Name(), err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidParams, t.Name(), strings.Join(msgs, "; "))
}

func (s *SchemaCache) compile(t Tool) (*gojsonschema.Schema, error) {
	name := t.Name()
	if s.c != nil {
		if schema, ok := s.c.Get(name); ok {
			return schema, nil
		}
	}
	params := t.Parameters()
	if len(params) == 0 {
		return nil, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		return nil, err
	}
	if s.c != nil {
		s.c.Set(name, schema, 1)
	}
	return schema, nil
}

// FormatArgsPreview returns a truncated JSON representation of tool arguments.
func FormatArgsPreview(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{...}"
	}
	s := string(b)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
