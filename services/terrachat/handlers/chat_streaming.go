// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goldterra/terrachat/services/llm"
	"github.com/goldterra/terrachat/services/screening"
	"github.com/goldterra/terrachat/services/terrachat/datatypes"
	"github.com/goldterra/terrachat/services/terrachat/middleware"
	"github.com/goldterra/terrachat/services/terrachat/observability"
	"github.com/goldterra/terrachat/services/terrachat/store"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second

	// saveTimeout bounds the detached persistence call after a stream
	// completes. The save runs on its own context so a client disconnect
	// cannot cancel it.
	saveTimeout = 10 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// ChatAPIHandler defines the contract for the chat HTTP endpoints.
//
// # Description
//
// ChatAPIHandler abstracts chat endpoint handling, enabling different
// implementations and facilitating testing via mocks. The streaming endpoint
// uses Server-Sent Events (SSE).
//
// # Security Model
//
//   - Outbound (user → model API): blocked if it contains sensitive data
//     (screening engine scan of the last user turn)
//   - Inbound (model → user): allowed, logged for audit via hash chain
//   - Delete and history require a resolved identity; delete additionally
//     requires ownership of the chat
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// HTTP handlers are called concurrently by the Gin framework.
type ChatAPIHandler interface {
	// HandleChatStream processes chat requests with SSE streaming.
	//
	// Handles POST /v1/chat. Streams tokens as they are generated via
	// Server-Sent Events, then persists the completed conversation in the
	// background. HTTP errors (400, 401, 403) are only possible before the
	// stream starts; once streaming begins, failures are sent as SSE error
	// events and already-delivered tokens are never retracted.
	HandleChatStream(c *gin.Context)

	// HandleDeleteChat processes chat deletion requests.
	//
	// Handles DELETE /v1/chat?id=<chatID>. Requires the caller to own the
	// chat. A missing id parameter is reported before identity is checked.
	HandleDeleteChat(c *gin.Context)

	// HandleChatHistory lists the caller's chats, most recent first.
	//
	// Handles GET /v1/chat/history.
	HandleChatHistory(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

// chatHandler implements ChatAPIHandler for production use.
//
// # Description
//
// chatHandler coordinates between the HTTP layer and streaming business
// logic. It performs HTTP-related tasks and delegates token generation to
// the injected LLM client:
//   - Request parsing and validation
//   - Identity and ownership checks
//   - SSE header configuration and event emission
//   - Post-stream persistence
//
// # Thread Safety
//
// Thread-safe. All fields are read-only after construction.
// No shared mutable state between requests.
type chatHandler struct {
	llmClient llm.LLMClient
	screener  *screening.Engine
	chats     store.ChatStore
	tracer    trace.Tracer
}

// =============================================================================
// Constructor
// =============================================================================

// NewChatHandler creates a ChatAPIHandler with the provided dependencies.
//
// # Inputs
//
//   - llmClient: LLM client with streaming support. Must not be nil.
//   - screener: Prompt screening engine. Must not be nil.
//   - chats: Chat persistence store. Must not be nil.
//
// # Outputs
//
//   - ChatAPIHandler: Ready for use with the Gin router.
//
// # Examples
//
//	handler := handlers.NewChatHandler(llmClient, screener, chatStore)
//	router.POST("/v1/chat", handler.HandleChatStream)
//	router.DELETE("/v1/chat", handler.HandleDeleteChat)
//
// # Limitations
//
//   - Panics on nil dependencies (programming errors).
func NewChatHandler(llmClient llm.LLMClient, screener *screening.Engine, chats store.ChatStore) ChatAPIHandler {
	if llmClient == nil {
		panic("NewChatHandler: llmClient must not be nil")
	}
	if screener == nil {
		panic("NewChatHandler: screener must not be nil")
	}
	if chats == nil {
		panic("NewChatHandler: chats must not be nil")
	}

	return &chatHandler{
		llmClient: llmClient,
		screener:  screener,
		chats:     chats,
		tracer:    otel.Tracer("terrachat.handlers.chat_streaming"),
	}
}

// =============================================================================
// Handler Methods
// =============================================================================

// HandleChatStream processes chat requests with SSE streaming.
//
// # Description
//
// Handles POST /v1/chat requests. The flow is:
//  1. Require a resolved identity (401 before any model work)
//  2. Parse and validate the request body
//  3. Check ownership when the chat already exists
//  4. Scan the last user turn for sensitive data (outbound protection)
//  5. Normalize turns, dropping empty content while preserving order
//  6. Set SSE headers, emit status event, start heartbeat
//  7. Stream tokens from the LLM with the company persona as system prompt
//  8. Emit done event, then persist the conversation in the background
//
// The background save uses a fresh context so it survives client
// disconnects; a save failure is logged and counted but never surfaces to
// the client, whose stream has already completed.
//
// # Outputs
//
// SSE Events:
//   - event: status, data: {"type":"status","message":"Generating response..."}
//   - event: token, data: {"type":"token","content":"Hello"}
//   - event: done, data: {"type":"done","chat_id":"..."}
//   - event: error, data: {"type":"error","error":"..."}
//
// HTTP Status (before streaming starts):
//   - 400 Bad Request: Invalid request body or validation failure
//   - 401 Unauthorized: No resolved identity, or chat owned by someone else
//   - 403 Forbidden: Screening violation in the outbound message
//   - 500 Internal Server Error: Storage or SSE setup failure
//
// # Limitations
//
//   - Only the last user turn is screened (not full history)
//   - Errors during streaming are sent as events, not HTTP errors
func (h *chatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChatStream

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	// Track active stream (for metrics)
	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			duration := time.Since(startTime).Seconds()
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, duration, success)
		}
	}()

	// Step 1: Require a resolved identity before any model work.
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

	// Step 2: Parse and validate request body.
	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse streaming chat request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	span.SetAttributes(
		attribute.String("chat.id", req.ID),
		attribute.Int("request.message_count", len(req.Messages)),
	)

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Streaming request validation failed",
			"error", err,
			"chatId", req.ID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	// Step 3: When the chat already exists it must belong to the caller.
	existing, err := h.chats.GetChatByID(ctx, req.ID)
	switch {
	case err == nil:
		if existing.OwnerID != authInfo.UserID {
			span.SetStatus(codes.Error, "chat owned by another user")
			slog.Warn("Blocked streaming chat: chat owned by another user",
				"chatId", req.ID,
				"userId", authInfo.UserID,
			)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeUnauthorized)
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
	case errors.Is(err, store.ErrChatNotFound):
		// New chat, will be created on save.
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat lookup failed")
		slog.Error("Chat lookup failed", "error", err, "chatId", req.ID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	// Step 4: Scan last user turn for sensitive data (OUTBOUND protection).
	// This prevents users from sending credentials or PII to a model API.
	if idx := lastUserTurnIndex(req.Messages); idx >= 0 {
		findings := h.screener.ScanPrompt(string(req.Messages[idx].Content))
		if len(findings) > 0 {
			span.SetAttributes(attribute.Int("screening.findings_count", len(findings)))
			slog.Warn("Blocked streaming chat: message contains sensitive data",
				"findings_count", len(findings),
				"chatId", req.ID,
			)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodePolicyViolation)
			}
			c.JSON(http.StatusForbidden, gin.H{
				"error":    "Screening violation: message contains sensitive data.",
				"findings": findings,
			})
			return
		}
	}

	// Step 5: Normalize turns. Empty content is dropped, order preserved.
	// An all-empty history still produces a request to the model.
	messages := datatypes.NormalizeTurns(req.Messages)
	span.SetAttributes(attribute.Int("chat.normalized_count", len(messages)))

	// Step 6: Set SSE headers and create writer.
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer",
			"error", err,
			"chatId", req.ID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	if err := sseWriter.WriteStatus("Generating response..."); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write status event", "error", err, "chatId", req.ID)
		return
	}

	// Heartbeat prevents proxy timeouts while the model thinks.
	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, sseWriter, endpoint, heartbeatDone)

	// Step 7: Stream tokens from the LLM. Tokens are accumulated in
	// mlocked memory with incremental hashing for the post-stream save.
	accumulator, accErr := NewSecureTokenAccumulator()
	if accErr != nil {
		slog.Warn("failed to create token accumulator, chat will not be persisted",
			"chatId", req.ID,
			"error", accErr,
		)
	}
	defer func() {
		if accumulator != nil {
			accumulator.Destroy()
		}
	}()

	var tokenCount int32
	firstTokenTime := time.Time{}
	streamErr := h.streamFromLLM(ctx, req.ID, messages, sseWriter, endpoint, &tokenCount, &firstTokenTime, accumulator)

	close(heartbeatDone)

	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "LLM streaming failed")
		span.SetAttributes(attribute.Int("stream.token_count", int(tokenCount)))
		slog.Error("LLM streaming failed",
			"error", streamErr,
			"chatId", req.ID,
			"tokenCount", tokenCount,
		)

		if errors.Is(streamErr, context.Canceled) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
				m.RecordClientDisconnect(endpoint)
			}
		} else {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeLLMError)
			}
		}
		// Error already sent via SSE. Tokens delivered so far stand.
		return
	}

	if !firstTokenTime.IsZero() {
		ttft := firstTokenTime.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(endpoint, ttft)
		}
	}

	span.SetAttributes(attribute.Int("stream.token_count", int(tokenCount)))

	// Step 8: Emit done event. The stream is complete from the client's
	// point of view; persistence happens after, in the background.
	if err := sseWriter.WriteDone(req.ID); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done event", "error", err, "chatId", req.ID)
		return
	}

	h.saveChatDetached(req.ID, authInfo.UserID, messages, accumulator)
	accumulator = nil // ownership moved to the save goroutine

	success = true
	span.SetStatus(codes.Ok, "stream completed successfully")
}

// =============================================================================
// Streaming Internals
// =============================================================================

// streamFromLLM drives the LLM stream, forwarding tokens to the SSE writer
// and the accumulator. Writer failure aborts the stream; accumulator
// failure only disables persistence for this chat.
func (h *chatHandler) streamFromLLM(
	ctx context.Context,
	chatID string,
	messages []datatypes.Message,
	sseWriter SSEWriter,
	endpoint observability.Endpoint,
	tokenCount *int32,
	firstTokenTime *time.Time,
	accumulator TokenAccumulator,
) error {
	ctx, span := h.tracer.Start(ctx, "streamFromLLM")
	defer span.End()
	span.SetAttributes(attribute.String("chat.id", chatID))

	accumulatorOK := accumulator != nil

	callback := func(event llm.StreamEvent) error {
		switch event.Type {
		case llm.StreamEventToken:
			if atomic.AddInt32(tokenCount, 1) == 1 {
				*firstTokenTime = time.Now()
			}
			if accumulatorOK {
				if accErr := accumulator.Write(event.Content); accErr != nil {
					// Keep streaming to the client, just stop accumulating.
					slog.Warn("token accumulation failed, chat will not be persisted",
						"chatId", chatID,
						"error", accErr,
					)
					accumulatorOK = false
				}
			}
			return sseWriter.WriteToken(event.Content)
		case llm.StreamEventError:
			return errors.New(event.Error)
		default:
			return nil
		}
	}

	err := h.llmClient.ChatStream(ctx, datatypes.SystemPersona, messages, llm.GenerationParams{}, callback)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		_ = sseWriter.WriteError(sanitizeErrorForClient(err))
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// runHeartbeat sends keepalive comments until done is closed or the
// request context is cancelled.
func (h *chatHandler) runHeartbeat(ctx context.Context, sseWriter SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sseWriter.WriteKeepAlive(); err != nil {
				slog.Debug("Keepalive write failed, client likely disconnected", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}

// saveChatDetached persists the conversation on a fresh context so a client
// disconnect cannot cancel the write. Failures are logged and counted only;
// by this point the client's stream has already completed.
func (h *chatHandler) saveChatDetached(chatID, ownerID string, messages []datatypes.Message, accumulator TokenAccumulator) {
	if accumulator == nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordSave("skipped")
		}
		return
	}

	go func() {
		defer accumulator.Destroy()

		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		answer, answerHash, err := accumulator.Finalize()
		if err != nil {
			slog.Warn("failed to finalize accumulator, chat not persisted",
				"chatId", chatID,
				"error", err,
			)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordSave("error")
			}
			return
		}

		history := make([]datatypes.Message, 0, len(messages)+1)
		history = append(history, messages...)
		history = append(history, datatypes.Message{Role: "assistant", Content: answer})

		chat := &store.Chat{
			ID:         chatID,
			OwnerID:    ownerID,
			Messages:   history,
			AnswerHash: answerHash,
		}
		if err := h.chats.SaveChat(ctx, chat); err != nil {
			slog.Error("failed to persist chat after stream",
				"chatId", chatID,
				"error", err,
			)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordSave("error")
			}
			return
		}

		slog.Info("chat persisted after stream",
			"chatId", chatID,
			"messages", len(history),
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordSave("success")
		}
	}()
}

// =============================================================================
// Helper Functions
// =============================================================================

// lastUserTurnIndex returns the index of the last user turn, or -1.
func lastUserTurnIndex(turns []datatypes.ChatTurn) int {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "user" {
			return i
		}
	}
	return -1
}

// sanitizeErrorForClient maps internal errors to client-safe messages.
// Internal details (hosts, keys, SQL) must never reach the stream.
func sanitizeErrorForClient(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case strings.Contains(err.Error(), "not found"):
		return "The configured model is unavailable."
	default:
		return "An error occurred while generating the response."
	}
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ ChatAPIHandler = (*chatHandler)(nil)
