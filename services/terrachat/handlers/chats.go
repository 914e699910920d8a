// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/goldterra/terrachat/services/terrachat/middleware"
	"github.com/goldterra/terrachat/services/terrachat/observability"
	"github.com/goldterra/terrachat/services/terrachat/store"
)

// HandleDeleteChat processes chat deletion requests.
//
// # Description
//
// Handles DELETE /v1/chat?id=<chatID>. The flow is:
//  1. Require the id query parameter (404 when missing, before any
//     identity check)
//  2. Require a resolved identity (401)
//  3. Load the chat and compare owners; a mismatch is reported as 401
//     and nothing is deleted
//  4. Delete the chat and confirm with a plain-text body
//
// A missing chat and a missing id parameter are both reported as 404 with
// the same message, so callers cannot probe which chat IDs exist.
//
// # Outputs
//
// HTTP Status:
//   - 200 OK: "Chat deleted"
//   - 404 Not Found: No id parameter, or no chat with that ID
//   - 401 Unauthorized: No identity, or chat owned by someone else
//   - 500 Internal Server Error: Storage failure (generic message only)
func (h *chatHandler) HandleDeleteChat(c *gin.Context) {
	endpoint := observability.EndpointChatDelete
	startTime := time.Now()

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleDeleteChat")
	defer span.End()

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// The id check deliberately precedes the identity check: an anonymous
	// request without an id gets 404, not 401.
	chatID := c.Query("id")
	if chatID == "" {
		span.SetStatus(codes.Error, "missing id parameter")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.String(http.StatusNotFound, "Not Found")
		return
	}
	span.SetAttributes(attribute.String("chat.id", chatID))

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		span.SetStatus(codes.Error, "unauthorized")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeUnauthorized)
		}
		c.String(http.StatusUnauthorized, "Unauthorized")
		return
	}
	span.SetAttributes(attribute.String("user.id", authInfo.UserID))

	chat, err := h.chats.GetChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			span.SetStatus(codes.Error, "chat not found")
			c.String(http.StatusNotFound, "Not Found")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat lookup failed")
		slog.Error("Chat lookup failed during delete", "error", err, "chatId", chatID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		c.String(http.StatusInternalServerError, "An error occurred while processing your request")
		return
	}

	// Ownership gate. A mismatch is unauthorized, and nothing is deleted.
	if chat.OwnerID != authInfo.UserID {
		span.SetStatus(codes.Error, "chat owned by another user")
		slog.Warn("Blocked chat delete: chat owned by another user",
			"chatId", chatID,
			"userId", authInfo.UserID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeUnauthorized)
		}
		c.String(http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := h.chats.DeleteChatByID(ctx, chatID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		slog.Error("Chat delete failed", "error", err, "chatId", chatID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		c.String(http.StatusInternalServerError, "An error occurred while processing your request")
		return
	}

	slog.Info("Chat deleted", "chatId", chatID, "userId", authInfo.UserID)
	success = true
	span.SetStatus(codes.Ok, "chat deleted")
	c.String(http.StatusOK, "Chat deleted")
}

// HandleChatHistory lists the caller's chats, most recently updated first.
//
// # Outputs
//
// HTTP Status:
//   - 200 OK: {"chats": [...]}
//   - 401 Unauthorized: No resolved identity
//   - 500 Internal Server Error: Storage failure
func (h *chatHandler) HandleChatHistory(c *gin.Context) {
	endpoint := observability.EndpointChatHistory

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatHistory")
	defer span.End()

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
		}
	}()

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		span.SetStatus(codes.Error, "unauthorized")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeUnauthorized)
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	span.SetAttributes(attribute.String("user.id", authInfo.UserID))

	chats, err := h.chats.ListChatsByOwner(ctx, authInfo.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		slog.Error("Chat history listing failed", "error", err, "userId", authInfo.UserID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if chats == nil {
		chats = []store.Chat{}
	}

	success = true
	span.SetAttributes(attribute.Int("chat.count", len(chats)))
	span.SetStatus(codes.Ok, "")
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}
