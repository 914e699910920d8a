// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the Terra chat service.
//
// This file contains the chat request wire types and the turn
// normalization that converts client-supplied turns into the canonical
// messages consumed by the model call.
package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single turn's
	// content after coercion. Byte length, not rune count, so large
	// payloads cannot exhaust memory.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxTurnsPerRequest is the maximum number of turns in a request.
	MaxTurnsPerRequest = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks that a string field does not exceed
// MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Canonical Message
// =============================================================================

// Message is the canonical chat message consumed by the model call and
// persisted in transcripts. Position in the containing slice is
// significant; messages are never reordered.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// Inbound Turn Types
// =============================================================================

// TurnContent is a client-supplied turn's content, coerced to text.
//
// # Description
//
// On the wire the content may be either a plain JSON string or an
// array of typed parts (e.g. [{"type":"text","text":"..."}]) as
// produced by rich chat frontends. Both forms coerce to the
// concatenated text of their parts; coercion is deterministic.
//
// # Limitations
//
//   - Non-text parts contribute nothing to the coerced content.
type TurnContent string

// UnmarshalJSON implements the string-or-parts coercion.
func (tc *TurnContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*tc = TurnContent(s)
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		*tc = TurnContent(b.String())
		return nil
	}

	return fmt.Errorf("turn content must be a string or an array of parts")
}

// ChatTurn is one raw client-supplied conversation turn.
type ChatTurn struct {
	Role    string      `json:"role" validate:"required,oneof=user assistant system tool"`
	Content TurnContent `json:"content" validate:"maxbytes"`
}

// ChatRequest represents the POST /v1/chat request body.
//
// # Description
//
// The chat id is an opaque, client-supplied identifier for the
// conversation; it keys the persisted transcript. The turn list may
// legitimately normalize to empty — the persona alone is meaningful
// context for some backends — so no minimum is enforced.
//
// # Validation
//
//   - ID: required
//   - Messages: at most 100 turns, each with a known role and content
//     no larger than 32KB after coercion
type ChatRequest struct {
	ID       string     `json:"id" validate:"required"`
	Messages []ChatTurn `json:"messages" validate:"max=100,dive"`
}

// Validate validates the ChatRequest fields using the shared validator.
//
// # Examples
//
//	if err := req.Validate(); err != nil {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
//	}
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Normalization
// =============================================================================

// NormalizeTurns converts raw turns into canonical messages.
//
// # Description
//
// Content is already coerced to text by TurnContent decoding; this
// pass drops every turn whose coerced content is zero-length and
// preserves the relative order of the rest. Running it over an
// already-normalized list is a no-op.
//
// # Outputs
//
//   - []Message: Never nil; an all-empty input yields an empty slice.
func NormalizeTurns(turns []ChatTurn) []Message {
	messages := make([]Message, 0, len(turns))
	for _, t := range turns {
		if len(t.Content) == 0 {
			continue
		}
		messages = append(messages, Message{Role: t.Role, Content: string(t.Content)})
	}
	return messages
}

// =============================================================================
// Identifier Generation
// =============================================================================

// NewID returns an opaque unique identifier.
//
// Used when minting dependent resources (reservations and the like)
// from tool executors; chat ids themselves are client-supplied.
func NewID() string {
	return uuid.New().String()
}
