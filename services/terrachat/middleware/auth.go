// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the Terra chat service.
//
// # Identity Resolution Flow
//
//	Request
//	   │
//	   ▼
//	ResolveIdentity
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo (or nothing) in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo, branches on nil)
//
// ResolveIdentity deliberately never aborts the request. Each handler
// decides where the unauthenticated branch sits in its own flow; the
// delete path, for example, reports a missing chat id before it
// reports a missing identity.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goldterra/terrachat/pkg/extensions"
)

// authInfoKey is the context key for storing AuthInfo.
// A service-prefixed key prevents collisions with other context values.
const authInfoKey = "terrachat_auth_info"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
//
// # Description
//
// Called by ResolveIdentity after successful validation. Tests call it
// directly to substitute arbitrary identities without a real provider.
//
// # Thread Safety
//
// Safe to call concurrently (Gin context is request-scoped).
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Description
//
// Returns nil when the request carried no resolvable identity. Every
// protected handler must branch on that nil and short-circuit with an
// unauthorized outcome.
//
// # Outputs
//
//   - *extensions.AuthInfo: Caller identity, or nil if unauthenticated.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// ResolveIdentity Middleware
// =============================================================================

// ResolveIdentity creates a Gin middleware that resolves the caller's
// identity for the current request.
//
// # Description
//
// Extracts the bearer token from the Authorization header and asks the
// provider to validate it. On success the AuthInfo is stored in the
// context; on failure nothing is stored and the request continues, so
// GetAuthInfo returns nil downstream. Resolution is read-only and
// performed fresh on every request.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.ResolveIdentity(provider))
//
// # Limitations
//
//   - Only supports Bearer token authentication
//   - Does not cache validation results (validates every request)
func ResolveIdentity(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err == nil && authInfo != nil && authInfo.UserID != "" {
			SetAuthInfo(c, authInfo)
		}

		c.Next()
	}
}

// extractBearerToken extracts the token from the Authorization header.
// Returns empty string if the header is missing or malformed. The
// "Bearer" prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
