package invocation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mohitkumar/caseflow/util"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaCache struct {
	schemas sync.Map
}

func (c *schemaCache) compile(doc string) (*jsonschema.Schema, error) {
	if s, ok := c.schemas.Load(doc); ok {
		return s.(*jsonschema.Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	c.schemas.Store(doc, schema)
	return schema, nil
}

// validate checks v against a JSON schema document. An empty document
// accepts everything.
func (c *schemaCache) validate(doc string, v any) error {
	if strings.TrimSpace(doc) == "" {
		return nil
	}
	schema, err := c.compile(doc)
	if err != nil {
		return err
	}
	normalized, err := util.Convert[any](v)
	if err != nil {
		return err
	}
	return schema.Validate(normalized)
}
