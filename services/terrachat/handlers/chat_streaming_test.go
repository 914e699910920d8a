// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldterra/terrachat/pkg/extensions"
	"github.com/goldterra/terrachat/services/llm"
	"github.com/goldterra/terrachat/services/screening"
	"github.com/goldterra/terrachat/services/terrachat/datatypes"
	"github.com/goldterra/terrachat/services/terrachat/middleware"
	"github.com/goldterra/terrachat/services/terrachat/store"
)

func init() {
	gin.SetMode(gin.TestMode)
	// CI runners often cap RLIMIT_MEMLOCK below what the secure
	// accumulator needs; allow the insecure fallback so the
	// persistence path is exercised everywhere.
	os.Setenv("TERRACHAT_INSECURE_MEMORY", "true")
}

// =============================================================================
// Test Setup
// =============================================================================

// StreamingMockLLMClient implements llm.LLMClient for handler testing.
// Emits configured tokens one by one and records what it was called with.
type StreamingMockLLMClient struct {
	// StreamTokens are the tokens to emit during ChatStream
	StreamTokens []string
	// StreamError is returned as error by ChatStream after the tokens
	StreamError error
	// ChatStreamCallCount tracks how many times ChatStream was called
	ChatStreamCallCount int
	// LastSystem stores the last system prompt passed to ChatStream
	LastSystem string
	// LastMessages stores the last messages passed to ChatStream
	LastMessages []datatypes.Message
}

func (m *StreamingMockLLMClient) ChatStream(ctx context.Context, system string,
	messages []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {

	m.ChatStreamCallCount++
	m.LastSystem = system
	m.LastMessages = messages

	for _, token := range m.StreamTokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: token}); err != nil {
			return err
		}
	}

	return m.StreamError
}

// MockChatStore implements store.ChatStore in memory and records deletes
// and saves for assertions.
type MockChatStore struct {
	mu sync.Mutex

	Chats map[string]*store.Chat

	// GetErr, SaveErr, DeleteErr, ListErr force failures when non-nil.
	GetErr    error
	SaveErr   error
	DeleteErr error
	ListErr   error

	GetCalls    int
	SaveCalls   int
	DeleteCalls int
}

func NewMockChatStore() *MockChatStore {
	return &MockChatStore{Chats: make(map[string]*store.Chat)}
}

func (s *MockChatStore) CreateSchema(ctx context.Context) error { return nil }

func (s *MockChatStore) GetChatByID(ctx context.Context, chatID string) (*store.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls++
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	chat, ok := s.Chats[chatID]
	if !ok {
		return nil, store.ErrChatNotFound
	}
	cp := *chat
	return &cp, nil
}

func (s *MockChatStore) SaveChat(ctx context.Context, chat *store.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCalls++
	if s.SaveErr != nil {
		return s.SaveErr
	}
	cp := *chat
	s.Chats[chat.ID] = &cp
	return nil
}

func (s *MockChatStore) DeleteChatByID(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls++
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	if _, ok := s.Chats[chatID]; !ok {
		return store.ErrChatNotFound
	}
	delete(s.Chats, chatID)
	return nil
}

func (s *MockChatStore) ListChatsByOwner(ctx context.Context, ownerID string) ([]store.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var chats []store.Chat
	for _, chat := range s.Chats {
		if chat.OwnerID == ownerID {
			chats = append(chats, *chat)
		}
	}
	return chats, nil
}

func (s *MockChatStore) SavedChat(chatID string) *store.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.Chats[chatID]
	if !ok {
		return nil
	}
	cp := *chat
	return &cp
}

var _ store.ChatStore = (*MockChatStore)(nil)

// identityAs injects a resolved identity, standing in for the auth middleware.
func identityAs(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		middleware.SetAuthInfo(c, &extensions.AuthInfo{UserID: userID})
		c.Next()
	}
}

func createTestChatHandler(t *testing.T, mockLLM *StreamingMockLLMClient, chats store.ChatStore) ChatAPIHandler {
	t.Helper()

	screener, err := screening.NewEngine()
	require.NoError(t, err, "screening engine should initialize")

	return NewChatHandler(mockLLM, screener, chats)
}

func newChatRouter(handler ChatAPIHandler, identity gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	group := router.Group("/v1")
	if identity != nil {
		group.Use(identity)
	}
	group.POST("/chat", handler.HandleChatStream)
	group.DELETE("/chat", handler.HandleDeleteChat)
	group.GET("/chat/history", handler.HandleChatHistory)
	return router
}

func postChat(router *gin.Engine, body []byte) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("POST", "/v1/chat", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// NewChatHandler Tests
// =============================================================================

func TestNewChatHandler_PanicsOnNilDependencies(t *testing.T) {
	screener, err := screening.NewEngine()
	require.NoError(t, err)
	mockLLM := &StreamingMockLLMClient{}
	chats := NewMockChatStore()

	assert.Panics(t, func() {
		NewChatHandler(nil, screener, chats)
	}, "should panic on nil llmClient")

	assert.Panics(t, func() {
		NewChatHandler(mockLLM, nil, chats)
	}, "should panic on nil screener")

	assert.Panics(t, func() {
		NewChatHandler(mockLLM, screener, nil)
	}, "should panic on nil store")
}

// =============================================================================
// HandleChatStream Tests
// =============================================================================

// TestHandleChatStream_Unauthenticated verifies that an unresolved identity
// is rejected before any model work happens.
func TestHandleChatStream_Unauthenticated(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{StreamTokens: []string{"never"}}
	handler := createTestChatHandler(t, mockLLM, NewMockChatStore())
	router := newChatRouter(handler, nil)

	reqBody := datatypes.ChatRequest{
		ID: uuid.New().String(),
		Messages: []datatypes.ChatTurn{
			{Role: "user", Content: "Hello"},
		},
	}
	jsonBytes, _ := json.Marshal(reqBody)

	w := postChat(router, jsonBytes)

	assert.Equal(t, http.StatusUnauthorized, w.Code, "should return 401 without identity")
	assert.Equal(t, 0, mockLLM.ChatStreamCallCount, "model must not be called")
}

func TestHandleChatStream_InvalidRequestBody(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{}
	handler := createTestChatHandler(t, mockLLM, NewMockChatStore())
	router := newChatRouter(handler, identityAs("user-1"))

	w := postChat(router, []byte("not json"))

	assert.Equal(t, http.StatusBadRequest, w.Code, "should return 400 for invalid JSON")
}

func TestHandleChatStream_MissingID(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{}
	handler := createTestChatHandler(t, mockLLM, NewMockChatStore())
	router := newChatRouter(handler, identityAs("user-1"))

	reqBody := datatypes.ChatRequest{
		Messages: []datatypes.ChatTurn{{Role: "user", Content: "Hello"}},
	}
	jsonBytes, _ := json.Marshal(reqBody)

	w := postChat(router, jsonBytes)

	assert.Equal(t, http.StatusBadRequest, w.Code, "should return 400 when id is missing")
	assert.Equal(t, 0, mockLLM.ChatStreamCallCount)
}

// TestHandleChatStream_ScreeningViolation verifies that sensitive data in
// the last user turn blocks the request before the model is called.
func TestHandleChatStream_ScreeningViolation(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{StreamTokens: []string{"never"}}
	handler := createTestChatHandler(t, mockLLM, NewMockChatStore())
	router := newChatRouter(handler, identityAs("user-1"))

	reqBody := datatypes.ChatRequest{
		ID: uuid.New().String(),
		Messages: []datatypes.ChatTurn{
			{Role: "user", Content: "My SSN is 123-45-6789"},
		},
	}
	jsonBytes, _ := json.Marshal(reqBody)

	w := postChat(router, jsonBytes)

	assert.Equal(t, http.StatusForbidden, w.Code, "should return 403 for screening violation")
	assert.Equal(t, 0, mockLLM.ChatStreamCallCount, "model must not be called")
}

// TestHandleChatStream_OwnedByAnotherUser verifies that appending to a chat
// owned by someone else is unauthorized.
func TestHandleChatStream_OwnedByAnotherUser(t *testing.T) {
	chats := NewMockChatStore()
	chats.Chats["chat-1"] = &store.Chat{ID: "chat-1", OwnerID: "someone-else"}

	mockLLM := &StreamingMockLLMClient{StreamTokens: []string{"never"}}
	handler := createTestChatHandler(t, mockLLM, chats)
	router := newChatRouter(handler, identityAs("user-1"))

	reqBody := datatypes.ChatRequest{
		ID:       "chat-1",
		Messages: []datatypes.ChatTurn{{Role: "user", Content: "Hello"}},
	}
	jsonBytes, _ := json.Marshal(reqBody)

	w := postChat(router, jsonBytes)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, mockLLM.ChatStreamCallCount)
}

func TestHandleChatStream_StoreLookupFailure(t *testing.T) {
	chats := NewMockChatStore()
	chats.GetErr = assert.AnError

	mockLLM := &StreamingMockLLMClient{}
	handler := createTestChatHandler(t, mockLLM, chats)
	router := newChatRouter(handler, identityAs("user-1"))

	reqBody := datatypes.ChatRequest{
		ID:       uuid.New().String(),
		Messages: []datatypes.ChatTurn{{Role: "user", Content: "Hello"}},
	}
	jsonBytes, _ := json.Marshal(reqBody)

	w := postChat(router, jsonBytes)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error(),
		"internal error details must not leak to the client")
}

// TestHandleChatStream_Success verifies the full streaming flow: SSE
// headers, status/token/done events, persona system prompt, and the
// background save with the assistant answer appended.
func TestHandleChatStream_Success(t *testing.T) {
	chats := NewMockChatStore()
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"Gold", " ", "Terra", "!"},
	}
	handler := createTestChatHandler(t, mockLLM, chats)
	router := newChatRouter(handler, identityAs("user-1"))

	chatID := uuid.New().String()
	reqBody := datatypes.ChatRequest{
		ID: chatID,
		Messages: []datatypes.ChatTurn{
			{Role: "user", Content: "Tell me about the company"},
		},
	}
	jsonBytes, _ := json.Marshal(reqBody)

	w := postChat(router, jsonBytes)

	assert.Equal(t, http.StatusOK, w.Code, "should return 200")
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))

	events := parseSSEEvents(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "status", events[0].Event, "first event should be status")
	assert.Equal(t, "done", events[len(events)-1].Event, "last event should be done")

	var tokens []string
	for _, ev := range events {
		if ev.Event != "token" {
			continue
		}
		var parsed datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &parsed))
		tokens = append(tokens, parsed.Content)
	}
	assert.Equal(t, []string{"Gold", " ", "Terra", "!"}, tokens, "tokens arrive in generation order")

	assert.Equal(t, 1, mockLLM.ChatStreamCallCount, "ChatStream should be called once")
	assert.Equal(t, datatypes.SystemPersona, mockLLM.LastSystem, "persona is the system prompt")
	require.Len(t, mockLLM.LastMessages, 1)
	assert.Equal(t, "Tell me about the company", mockLLM.LastMessages[0].Content)

	// The save runs detached; wait for it.
	assert.Eventually(t, func() bool {
		return chats.SavedChat(chatID) != nil
	}, 2*time.Second, 10*time.Millisecond, "chat should be persisted after the stream")

	saved := chats.SavedChat(chatID)
	require.NotNil(t, saved)
	assert.Equal(t, "user-1", saved.OwnerID)
	require.Len(t, saved.Messages, 2)
	assert.Equal(t, "assistant", saved.Messages[1].Role)
	assert.Equal(t, "Gold Terra!", saved.Messages[1].Content)
	assert.NotEmpty(t, saved.AnswerHash)
}

// TestHandleChatStream_EmptyTurnsDropped verifies that empty turns are
// removed before the model call while order is preserved.
func TestHandleChatStream_EmptyTurnsDropped(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{StreamTokens: []string{"ok"}}
	handler := createTestChatHandler(t, mockLLM, NewMockChatStore())
	router := newChatRouter(handler, identityAs("user-1"))

	reqBody := datatypes.ChatRequest{
		ID: uuid.New().String(),
		Messages: []datatypes.ChatTurn{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: ""},
			{Role: "user", Content: "second"},
		},
	}
	jsonBytes, _ := json.Marshal(reqBody)

	w := postChat(router, jsonBytes)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, mockLLM.LastMessages, 2)
	assert.Equal(t, "first", mockLLM.LastMessages[0].Content)
	assert.Equal(t, "second", mockLLM.LastMessages[1].Content)
}

// TestHandleChatStream_AllEmptyStillForwarded verifies that a history of
// only empty turns still reaches the model as an empty message list.
func TestHandleChatStream_AllEmptyStillForwarded(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{StreamTokens: []string{"hello"}}
	handler := createTestChatHandler(t, mockLLM, NewMockChatStore())
	router := newChatRouter(handler, identityAs("user-1"))

	reqBody := datatypes.ChatRequest{
		ID: uuid.New().String(),
		Messages: []datatypes.ChatTurn{
			{Role: "user", Content: ""},
			{Role: "assistant", Content: ""},
		},
	}
	jsonBytes, _ := json.Marshal(reqBody)

	w := postChat(router, jsonBytes)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, mockLLM.ChatStreamCallCount, "model is still called")
	assert.Empty(t, mockLLM.LastMessages)
}

// TestHandleChatStream_LLMError verifies that a mid-stream model failure is
// reported as an SSE error event while already-sent tokens stand.
func TestHandleChatStream_LLMError(t *testing.T) {
	mockLLM := &StreamingMockLLMClient{
		StreamTokens: []string{"partial"},
		StreamError:  assert.AnError,
	}
	handler := createTestChatHandler(t, mockLLM, NewMockChatStore())
	router := newChatRouter(handler, identityAs("user-1"))

	reqBody := datatypes.ChatRequest{
		ID:       uuid.New().String(),
		Messages: []datatypes.ChatTurn{{Role: "user", Content: "Hello"}},
	}
	jsonBytes, _ := json.Marshal(reqBody)

	w := postChat(router, jsonBytes)

	// Headers were already sent; the failure arrives as an event.
	assert.Equal(t, http.StatusOK, w.Code)

	events := parseSSEEvents(t, w.Body.String())
	var sawToken, sawError, sawDone bool
	for _, ev := range events {
		switch ev.Event {
		case "token":
			sawToken = true
		case "error":
			sawError = true
			assert.NotContains(t, ev.Data, assert.AnError.Error(),
				"internal error details must not leak into the stream")
		case "done":
			sawDone = true
		}
	}
	assert.True(t, sawToken, "partial output is delivered")
	assert.True(t, sawError, "error event is emitted")
	assert.False(t, sawDone, "no done event after a failed stream")
}

// =============================================================================
// Helper Functions
// =============================================================================

// sseEvent represents a parsed SSE event.
type sseEvent struct {
	Event string
	Data  string
}

// parseSSEEvents parses SSE events from a response body.
func parseSSEEvents(t *testing.T, body string) []sseEvent {
	t.Helper()

	var events []sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))

	var currentEvent sseEvent
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent.Event = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			currentEvent.Data = strings.TrimPrefix(line, "data: ")
		} else if line == "" && currentEvent.Event != "" {
			events = append(events, currentEvent)
			currentEvent = sseEvent{}
		}
	}

	if currentEvent.Event != "" {
		events = append(events, currentEvent)
	}

	return events
}
