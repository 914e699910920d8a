// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists chat conversations and their ownership records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/goldterra/terrachat/services/terrachat/datatypes"
)

var (
	// ErrChatNotFound is returned when no chat exists for the given ID.
	ErrChatNotFound = errors.New("store: chat not found")
)

// Chat is a persisted conversation with its owner.
//
// # Description
//
// A chat row holds the full message history as of the last completed
// stream, plus the integrity hash of the most recent assistant answer.
// Saves replace the whole history (last write wins).
type Chat struct {
	ID         string              `json:"id"`
	OwnerID    string              `json:"owner_id"`
	Messages   []datatypes.Message `json:"messages"`
	AnswerHash string              `json:"answer_hash,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// ChatStore defines the contract for persisting chats.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the streaming handler
// saves from a detached goroutine while other requests read.
type ChatStore interface {
	// CreateSchema bootstraps the backing tables. Idempotent.
	CreateSchema(ctx context.Context) error

	// GetChatByID retrieves a chat by ID. Returns ErrChatNotFound if no
	// chat exists with that ID.
	GetChatByID(ctx context.Context, chatID string) (*Chat, error)

	// SaveChat upserts the chat, replacing any existing message history.
	SaveChat(ctx context.Context, chat *Chat) error

	// DeleteChatByID removes a chat. Returns ErrChatNotFound if no chat
	// exists with that ID.
	DeleteChatByID(ctx context.Context, chatID string) error

	// ListChatsByOwner returns all chats owned by the given user,
	// most recently updated first.
	ListChatsByOwner(ctx context.Context, ownerID string) ([]Chat, error)
}
