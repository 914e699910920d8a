// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldterra/terrachat/services/terrachat/datatypes"
)

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewSSEWriter_FlusherRequired(t *testing.T) {
	// httptest.ResponseRecorder implements http.Flusher.
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)
	assert.NotNil(t, writer)
}

// =============================================================================
// Event Format Tests
// =============================================================================

func TestSSEWriter_WriteToken_Format(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteToken("Hello"))

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "token", events[0].Event)

	var parsed datatypes.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &parsed))
	assert.Equal(t, "token", parsed.Type)
	assert.Equal(t, "Hello", parsed.Content)
	assert.NotEmpty(t, parsed.Id, "event id is assigned automatically")
	assert.NotZero(t, parsed.CreatedAt, "timestamp is assigned automatically")
	assert.NotEmpty(t, parsed.Hash)
	assert.Empty(t, parsed.PrevHash, "first event has no predecessor")
}

func TestSSEWriter_WriteStatus(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteStatus("Generating response..."))

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "status", events[0].Event)

	var parsed datatypes.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &parsed))
	assert.Equal(t, "Generating response...", parsed.Message)
}

func TestSSEWriter_WriteDone_CarriesChatID(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteDone("chat-42"))

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "done", events[0].Event)

	var parsed datatypes.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &parsed))
	assert.Equal(t, "chat-42", parsed.ChatId)
}

func TestSSEWriter_WriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteError("An error occurred while generating the response."))

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Event)

	var parsed datatypes.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &parsed))
	assert.Equal(t, "An error occurred while generating the response.", parsed.Error)
}

// =============================================================================
// Hash Chain Tests
// =============================================================================

// TestSSEWriter_HashChain verifies that each event's PrevHash links to the
// preceding event's Hash.
func TestSSEWriter_HashChain(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteStatus("starting"))
	require.NoError(t, writer.WriteToken("a"))
	require.NoError(t, writer.WriteToken("b"))
	require.NoError(t, writer.WriteDone("chat-1"))

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 4)

	var prevHash string
	for i, ev := range events {
		var parsed datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &parsed))
		assert.Equal(t, prevHash, parsed.PrevHash, "event %d links to predecessor", i)
		assert.NotEmpty(t, parsed.Hash, "event %d has a hash", i)
		prevHash = parsed.Hash
	}
}

// TestSSEWriter_KeepAliveDoesNotAdvanceChain verifies that keepalive
// comments do not participate in the hash chain.
func TestSSEWriter_KeepAliveDoesNotAdvanceChain(t *testing.T) {
	w := httptest.NewRecorder()
	writer, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, writer.WriteToken("a"))
	require.NoError(t, writer.WriteKeepAlive())
	require.NoError(t, writer.WriteToken("b"))

	assert.Contains(t, w.Body.String(), ": ping\n\n")

	events := parseSSEEvents(t, w.Body.String())
	require.Len(t, events, 2, "keepalive is a comment, not an event")

	var first, second datatypes.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &first))
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &second))
	assert.Equal(t, first.Hash, second.PrevHash, "chain is unbroken across keepalives")
}

// =============================================================================
// Header Tests
// =============================================================================

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetSSEHeaders(w)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
}
