// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goldterra/terrachat/services/terrachat/datatypes"
)

const createChatsTableSQL = `
CREATE TABLE IF NOT EXISTS terrachat_chats (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	messages    JSONB NOT NULL DEFAULT '[]'::jsonb,
	answer_hash TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS terrachat_chats_owner_idx ON terrachat_chats (owner_id, updated_at DESC);`

// PGStore implements ChatStore backed by Postgres via pgx.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore wraps an existing connection pool. The caller owns the pool
// lifecycle; Close it after the store is no longer needed.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// CreateSchema creates the chats table if it does not exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createChatsTableSQL); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// GetChatByID retrieves a chat by ID.
func (s *PGStore) GetChatByID(ctx context.Context, chatID string) (*Chat, error) {
	chat := &Chat{ID: chatID}

	var messagesJSON []byte
	err := s.db.QueryRow(ctx,
		`SELECT owner_id, messages, answer_hash, created_at, updated_at
		 FROM terrachat_chats WHERE id = $1`,
		chatID,
	).Scan(&chat.OwnerID, &messagesJSON, &chat.AnswerHash, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("store: get chat: %w", err)
	}

	if err := json.Unmarshal(messagesJSON, &chat.Messages); err != nil {
		return nil, fmt.Errorf("store: decode messages for chat %s: %w", chatID, err)
	}

	return chat, nil
}

// SaveChat upserts the chat, replacing the stored message history.
func (s *PGStore) SaveChat(ctx context.Context, chat *Chat) error {
	messages := chat.Messages
	if messages == nil {
		messages = []datatypes.Message{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("store: encode messages for chat %s: %w", chat.ID, err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO terrachat_chats (id, owner_id, messages, answer_hash)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
			messages    = EXCLUDED.messages,
			answer_hash = EXCLUDED.answer_hash,
			updated_at  = NOW()`,
		chat.ID, chat.OwnerID, messagesJSON, chat.AnswerHash,
	)
	if err != nil {
		return fmt.Errorf("store: save chat %s: %w", chat.ID, err)
	}

	return nil
}

// DeleteChatByID removes a chat.
func (s *PGStore) DeleteChatByID(ctx context.Context, chatID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM terrachat_chats WHERE id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("store: delete chat %s: %w", chatID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotFound
	}
	return nil
}

// ListChatsByOwner returns all chats owned by the given user.
func (s *PGStore) ListChatsByOwner(ctx context.Context, ownerID string) ([]Chat, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, owner_id, messages, answer_hash, created_at, updated_at
		 FROM terrachat_chats WHERE owner_id = $1 ORDER BY updated_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var chat Chat
		var messagesJSON []byte

		err := rows.Scan(&chat.ID, &chat.OwnerID, &messagesJSON, &chat.AnswerHash, &chat.CreatedAt, &chat.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan chat: %w", err)
		}
		if err := json.Unmarshal(messagesJSON, &chat.Messages); err != nil {
			return nil, fmt.Errorf("store: decode messages for chat %s: %w", chat.ID, err)
		}

		chats = append(chats, chat)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}

	return chats, nil
}

// Ensure PGStore implements ChatStore at compile time.
var _ ChatStore = (*PGStore)(nil)
