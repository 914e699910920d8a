// Copyright (C) 2025 Gold Terra Resource Corp.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccumulator(t *testing.T) TokenAccumulator {
	t.Helper()
	acc, err := NewSecureTokenAccumulator()
	require.NoError(t, err, "accumulator should be available in tests")
	return acc
}

// =============================================================================
// Write and Finalize Tests
// =============================================================================

func TestTokenAccumulator_WriteAndFinalize(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello"))
	require.NoError(t, acc.Write(", "))
	require.NoError(t, acc.Write("world!"))

	answer, hashStr, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", answer)

	expected := sha256.Sum256([]byte("Hello, world!"))
	assert.Equal(t, hex.EncodeToString(expected[:]), hashStr,
		"hash covers the concatenated tokens")
}

func TestTokenAccumulator_EmptyFinalize(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	answer, hashStr, err := acc.Finalize()
	require.NoError(t, err)
	assert.Empty(t, answer)

	expected := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(expected[:]), hashStr)
}

func TestTokenAccumulator_UnicodeTokens(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Write("gold "))
	require.NoError(t, acc.Write("资源 "))
	require.NoError(t, acc.Write("🪙"))

	answer, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "gold 资源 🪙", answer)
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestTokenAccumulator_WriteAfterDestroy(t *testing.T) {
	acc := newTestAccumulator(t)
	acc.Destroy()

	err := acc.Write("late")
	assert.Error(t, err, "write after destroy must fail")
}

func TestTokenAccumulator_FinalizeAfterDestroy(t *testing.T) {
	acc := newTestAccumulator(t)
	acc.Destroy()

	_, _, err := acc.Finalize()
	assert.Error(t, err)
}

func TestTokenAccumulator_FinalizeTwice(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	require.NoError(t, acc.Write("once"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	_, _, err = acc.Finalize()
	assert.Error(t, err, "finalize wipes the buffer and cannot repeat")
}

func TestTokenAccumulator_DestroyIsIdempotent(t *testing.T) {
	acc := newTestAccumulator(t)

	assert.NotPanics(t, func() {
		acc.Destroy()
		acc.Destroy()
		acc.Destroy()
	})
}

func TestTokenAccumulator_Metadata(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	assert.NotEmpty(t, acc.ID())
	assert.False(t, acc.CreatedAt().IsZero())

	other := newTestAccumulator(t)
	defer other.Destroy()
	assert.NotEqual(t, acc.ID(), other.ID(), "each instance has its own id")
}

// =============================================================================
// Overflow Tests
// =============================================================================

func TestTokenAccumulator_Overflow(t *testing.T) {
	acc := newTestAccumulator(t)
	defer acc.Destroy()

	chunk := strings.Repeat("x", 64*1024)
	for i := 0; i < SecureBufferSize/len(chunk); i++ {
		require.NoError(t, acc.Write(chunk))
	}

	err := acc.Write("one byte too many")
	require.Error(t, err, "writing past the buffer must fail")

	_, _, err = acc.Finalize()
	assert.Error(t, err, "an overflowed accumulator cannot be finalized")
}
