// Package tools holds the typed catalog of capabilities agent loops may call.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Tool is one schema-typed capability.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	OutputSchema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// typedTool adapts a Go function with concrete input/output types to Tool.
type typedTool[In, Out any] struct {
	name        string
	description string
	input       json.RawMessage
	output      json.RawMessage
	fn          func(context.Context, In) (Out, error)
}

// NewTool builds a Tool whose input is decoded strictly into In and whose
// output is encoded from Out.
func NewTool[In, Out any](name, description, inputSchema, outputSchema string, fn func(context.Context, In) (Out, error)) Tool {
	return &typedTool[In, Out]{
		name:        name,
		description: description,
		input:       json.RawMessage(inputSchema),
		output:      json.RawMessage(outputSchema),
		fn:          fn,
	}
}

func (t *typedTool[In, Out]) Name() string                  { return t.name }
func (t *typedTool[In, Out]) Description() string           { return t.description }
func (t *typedTool[In, Out]) InputSchema() json.RawMessage  { return t.input }
func (t *typedTool[In, Out]) OutputSchema() json.RawMessage { return t.output }

func (t *typedTool[In, Out]) Execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in In
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	out, err := t.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return encoded, nil
}
