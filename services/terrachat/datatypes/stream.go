// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// StreamEvent is one Server-Sent Event on the chat response stream.
//
// # Description
//
// Events carry generated tokens, status updates, and terminal
// error/done markers. Each event is stamped with an id, a creation
// timestamp, and a hash chained to the previous event so a client (or
// an offline audit) can verify that the stream was delivered complete
// and in generation order.
//
// # Fields
//
//   - Id: UUID v4 assigned at write time.
//   - Type: "status", "token", "error", or "done".
//   - CreatedAt: Unix timestamp in milliseconds.
//   - Hash: SHA-256 over the event's content fields.
//   - PrevHash: Hash of the previous event; empty for the first.
//   - Content: Token text (token events).
//   - Message: Human-readable status (status events).
//   - Error: Sanitized failure description (error events).
//   - ChatId: Conversation identifier (done events).
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash"`
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ChatId    string `json:"chat_id,omitempty"`
}
