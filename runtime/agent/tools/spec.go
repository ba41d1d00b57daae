package tools

import "encoding/json"

// AnyJSONCodec is a pre-built codec for the `any` type. It uses standard JSON
// marshaling/unmarshaling and is suitable for integrations where the concrete
// type is not known at compile time.
var AnyJSONCodec = JSONCodec[any]{
	ToJSON: json.Marshal,
	FromJSON: func(data []byte) (any, error) {
		if len(data) == 0 {
			return nil, nil
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	},
}

type (
	// Spec describes one tool advertised by a tool server, as discovered by
	// listTools and cached by the tool server pool. Name is the server-local
	// tool identifier; callers address it as serverName.Name.
	Spec struct {
		// Name is the tool identifier as advertised by the MCP server.
		Name string
		// Description is a concise summary presented to the model to decide
		// when to call the tool.
		Description string
		// InputSchema is the tool's declared JSON Schema input, compiled once
		// at discovery time and reused for every invocation.
		InputSchema TypeSpec
	}

	// TypeSpec describes a JSON Schema payload and its codec.
	TypeSpec struct {
		// Schema is the raw JSON Schema document as advertised by the server.
		Schema json.RawMessage
		// Codec serializes and deserializes values matching the schema.
		Codec JSONCodec[any]
	}

	// JSONCodec serializes and deserializes strongly typed values to and from JSON.
	JSONCodec[T any] struct {
		// ToJSON encodes the value into canonical JSON.
		ToJSON func(T) ([]byte, error)
		// FromJSON decodes the JSON payload into the typed value.
		FromJSON func([]byte) (T, error)
	}
)
