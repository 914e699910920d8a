// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/goldterra/terrachat/pkg/extensions"
	"github.com/goldterra/terrachat/services/llm"
	"github.com/goldterra/terrachat/services/screening"
	"github.com/goldterra/terrachat/services/terrachat/handlers"
	"github.com/goldterra/terrachat/services/terrachat/observability"
	"github.com/goldterra/terrachat/services/terrachat/routes"
	"github.com/goldterra/terrachat/services/terrachat/store"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "terrachat-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("terrachat-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildAuthProvider selects the identity provider from the environment.
// TERRACHAT_AUTH_TOKENS holds "token=user" pairs; when unset the service
// runs in single-user mode and every request maps to a local identity.
func buildAuthProvider() extensions.AuthProvider {
	tokenSpec := os.Getenv("TERRACHAT_AUTH_TOKENS")
	if tokenSpec == "" {
		slog.Warn("TERRACHAT_AUTH_TOKENS not set, running in single-user mode")
		return extensions.NopAuthProvider{}
	}
	provider := extensions.NewTokenMapProvider(tokenSpec)
	slog.Info("Token map authentication enabled")
	return provider
}

func main() {
	port := os.Getenv("TERRACHAT_PORT")
	if port == "" {
		port = "12310"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())
	defer handlers.PurgeAllSecureMemory()

	observability.InitMetrics()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("FATAL: DATABASE_URL is not set")
	}
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		log.Fatalf("FATAL: Could not create the Postgres pool: %v", err)
	}
	defer pool.Close()

	chatStore := store.NewPGStore(pool)
	if err := chatStore.CreateSchema(context.Background()); err != nil {
		log.Fatalf("FATAL: Could not bootstrap the chat schema: %v", err)
	}

	screener, err := screening.NewEngine()
	if err != nil {
		log.Fatalf("FATAL: Could not initialize the Screening Engine %v", err)
	}

	authProvider := buildAuthProvider()

	log.Println("Configuring the LLM Client")
	var llmClient llm.LLMClient
	llmBackendType := os.Getenv("LLM_BACKEND_TYPE")

	switch llmBackendType {
	case "openai":
		llmClient, err = llm.NewOpenAIClient()
		slog.Info("Using OpenAI LLM backend")
	case "ollama":
		llmClient, err = llm.NewOllamaClient()
		slog.Info("Using Ollama LLM backend")
	case "claude", "anthropic":
		llmClient, err = llm.NewAnthropicClient()
		slog.Info("Using Anthropic (Claude) LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to openai")
		llmClient, err = llm.NewOpenAIClient()
	}
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("terrachat-service"))

	routes.SetupRoutes(router, authProvider, llmClient, screener, chatStore)

	log.Println("Starting the terrachat server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
