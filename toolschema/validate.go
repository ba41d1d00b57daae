// Package toolschema validates tool-call arguments against the JSON Schema a
// tool server advertises for a given method, before the call reaches
// ToolServerPool.InvokeTool.
package toolschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compiled caches schemas by their raw JSON text so repeated validations
// against the same tool don't recompile it every turn.
var compiled sync.Map

// Validate checks args against schemaJSON, a JSON Schema document as
// advertised by a tool server's ListTools response. An empty or nil
// schemaJSON is treated as "no schema declared" and always validates.
func Validate(schemaJSON []byte, args any) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	schema, err := compile(schemaJSON)
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode tool arguments: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode tool arguments: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return err
	}
	return nil
}

func compile(schemaJSON []byte) (*jsonschema.Schema, error) {
	key := string(schemaJSON)
	if cached, ok := compiled.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal tool schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	const resourceURL = "mandrake://tool-schema"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("add tool schema resource: %w", err)
	}
	schema, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile tool schema: %w", err)
	}

	compiled.Store(key, schema)
	return schema, nil
}
