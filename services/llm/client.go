// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/goldterra/terrachat/services/terrachat/datatypes"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// Tools are made available to the model for the duration of one
	// generation. Empty is the normal case.
	Tools []ToolDefinition `json:"tools,omitempty"`
}

// StreamEventType discriminates events delivered to a StreamCallback.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one unit of incremental model output.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives stream events in generation order. Returning
// an error aborts the stream; backends must stop generating and return.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any LLM backend.
//
// ChatStream invokes one streamed generation over the fixed system
// instruction plus the ordered message sequence. The callback is
// invoked serially, in generation order, and never after ChatStream
// returns. Context cancellation (client disconnect) stops generation.
type LLMClient interface {
	ChatStream(ctx context.Context, system string, messages []datatypes.Message,
		params GenerationParams, callback StreamCallback) error
}

// =============================================================================
// Tool extension point
// =============================================================================

// ToolFunc executes a tool invocation with the model-supplied JSON
// arguments and returns a JSON-serializable result.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// ToolDefinition declares one tool the model may invoke during
// generation: a name, a human-readable description, a JSON Schema for
// its parameters, and the function that executes it.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Execute     ToolFunc       `json:"-"`
}

// ToolRegistry maps tool name to definition. The zero-value (empty)
// registry is fully valid: all product tools are currently disabled.
type ToolRegistry map[string]ToolDefinition

// Definitions returns the registered tools ordered by name, so the
// payload sent to a backend is deterministic.
func (r ToolRegistry) Definitions() []ToolDefinition {
	if len(r) == 0 {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(r))
	for name, def := range r {
		def.Name = name
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
