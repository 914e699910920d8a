// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goldterra/terrachat/pkg/extensions"
	"github.com/goldterra/terrachat/services/llm"
	"github.com/goldterra/terrachat/services/screening"
	"github.com/goldterra/terrachat/services/terrachat/handlers"
	"github.com/goldterra/terrachat/services/terrachat/middleware"
	"github.com/goldterra/terrachat/services/terrachat/store"
)

// SetupRoutes wires all HTTP routes onto the router.
//
// Identity resolution runs on the v1 group only; /health and /metrics stay
// open for probes and scrapers. The middleware never rejects a request by
// itself, each handler decides what a missing identity means for its route.
func SetupRoutes(router *gin.Engine, authProvider extensions.AuthProvider,
	llmClient llm.LLMClient, screener *screening.Engine, chats store.ChatStore) {

	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := handlers.NewChatHandler(llmClient, screener, chats)

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.ResolveIdentity(authProvider))
	{
		v1.POST("/chat", chatHandler.HandleChatStream)
		v1.DELETE("/chat", chatHandler.HandleDeleteChat)
		v1.GET("/chat/history", chatHandler.HandleChatHistory)
	}
}
