// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable identity boundary for the
// Terra chat service.
//
// The service itself never issues sessions. It only resolves them: a
// bearer token comes in, an AuthProvider turns it into an AuthInfo or
// an ErrUnauthorized. Deployments choose the provider at startup.
//
// # Open Source Behavior
//
// With NopAuthProvider (the default for local development), every
// request resolves to "local-user". This keeps the service usable
// without any identity infrastructure.
//
// # Production Behavior
//
// Production deployments validate tokens against a real identity
// provider. TokenMapProvider covers the simple shared-secret case;
// anything heavier (OIDC, SAML) implements AuthProvider out of tree.
package extensions

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized is returned by AuthProvider implementations when a
// token cannot be resolved to an identity.
var ErrUnauthorized = errors.New("unauthorized")

// =============================================================================
// AuthInfo
// =============================================================================

// AuthInfo is the authenticated caller for one request.
//
// # Description
//
// AuthInfo carries the stable user identifier used for chat ownership
// comparison, plus optional display fields. It is established once per
// request by the auth middleware and never cached across requests.
//
// # Fields
//
//   - UserID: Required. Stable identifier; the value persisted as the
//     chat owner and compared on every mutating operation.
//   - Email: Optional. Informational only; never used for ownership.
//
// # Assumptions
//
//   - UserID is non-empty for any successfully validated token.
type AuthInfo struct {
	UserID string
	Email  string
}

// =============================================================================
// AuthProvider
// =============================================================================

// AuthProvider resolves a bearer token to an identity.
//
// # Description
//
// Validate returns the AuthInfo for a valid token, or ErrUnauthorized
// when the token is missing, expired, or unknown. Absence of identity
// is a normal outcome, not an exceptional one: callers branch on it.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; Validate is called
// once per inbound request.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// =============================================================================
// NopAuthProvider
// =============================================================================

// NopAuthProvider accepts every token, including the empty one, and
// resolves it to a fixed local identity. Development use only.
type NopAuthProvider struct{}

// Validate implements AuthProvider. It never fails.
func (NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user"}, nil
}

// =============================================================================
// TokenMapProvider
// =============================================================================

// TokenMapProvider validates tokens against a fixed token -> user map.
//
// # Description
//
// The simplest production-shaped provider: a static mapping from
// opaque bearer tokens to user identifiers, typically parsed from an
// environment variable at startup. Unknown or empty tokens resolve to
// ErrUnauthorized.
//
// # Limitations
//
//   - No expiry, no revocation without a restart.
type TokenMapProvider struct {
	tokens map[string]string
}

// NewTokenMapProvider builds a provider from "token=user" pairs.
// Malformed pairs are skipped.
//
// # Examples
//
//	p := NewTokenMapProvider("s3cret=ir-analyst,t0ken=gpanneton")
func NewTokenMapProvider(spec string) *TokenMapProvider {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		token, user, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || token == "" || user == "" {
			continue
		}
		tokens[token] = user
	}
	return &TokenMapProvider{tokens: tokens}
}

// Validate implements AuthProvider.
func (p *TokenMapProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	user, ok := p.tokens[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{UserID: user}, nil
}

// Compile-time interface checks.
var (
	_ AuthProvider = NopAuthProvider{}
	_ AuthProvider = (*TokenMapProvider)(nil)
)
