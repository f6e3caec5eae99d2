// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHeapAccumulator(t *testing.T, size int) Accumulator {
	t.Helper()
	acc, err := NewAccumulatorFactory(AccumulatorConfig{BufferSize: size})()
	require.NoError(t, err)
	t.Cleanup(acc.Destroy)
	return acc
}

func TestAccumulator_WriteAndFinalize(t *testing.T) {
	acc := newHeapAccumulator(t, 64)
	for _, f := range []string{"Die ", "Antwort ", "ist ", "42"} {
		require.NoError(t, acc.Write(f))
	}

	reply, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Die Antwort ist 42", reply.Text)
	assert.Equal(t, 4, reply.Fragments)

	sum := sha256.Sum256([]byte("Die Antwort ist 42"))
	assert.Equal(t, hex.EncodeToString(sum[:]), reply.Hash)
}

func TestAccumulator_EmptyReply(t *testing.T) {
	acc := newHeapAccumulator(t, 64)
	reply, err := acc.Finalize()
	require.NoError(t, err)
	assert.Empty(t, reply.Text)
	assert.Len(t, reply.Hash, 64)
}

func TestAccumulator_Unicode(t *testing.T) {
	acc := newHeapAccumulator(t, 64)
	require.NoError(t, acc.Write("Grüße "))
	require.NoError(t, acc.Write("🎓"))
	reply, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Grüße 🎓", reply.Text)
	assert.Equal(t, 7, reply.Runes())
}

func TestAccumulator_ClosedAfterFinalize(t *testing.T) {
	acc := newHeapAccumulator(t, 64)
	require.NoError(t, acc.Write("a"))
	_, err := acc.Finalize()
	require.NoError(t, err)

	assert.ErrorIs(t, acc.Write("b"), ErrAccumulatorClosed)
	_, err = acc.Finalize()
	assert.ErrorIs(t, err, ErrAccumulatorClosed)
}

func TestAccumulator_DestroyIsIdempotent(t *testing.T) {
	acc := newHeapAccumulator(t, 64)
	require.NoError(t, acc.Write("a"))
	acc.Destroy()
	acc.Destroy()
	assert.ErrorIs(t, acc.Write("b"), ErrAccumulatorClosed)
}

func TestAccumulator_Overflow(t *testing.T) {
	acc := newHeapAccumulator(t, 10)
	require.NoError(t, acc.Write(strings.Repeat("x", 8)))
	assert.ErrorIs(t, acc.Write("yyy"), ErrReplyTooLarge)
	assert.ErrorIs(t, acc.Write("z"), ErrReplyTooLarge, "overflow is sticky")

	_, err := acc.Finalize()
	assert.ErrorIs(t, err, ErrReplyTooLarge)
}

func TestAccumulator_ExactFit(t *testing.T) {
	acc := newHeapAccumulator(t, 4)
	require.NoError(t, acc.Write("abcd"))
	reply, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "abcd", reply.Text)
}

func TestAccumulator_UniqueIDs(t *testing.T) {
	a := newHeapAccumulator(t, 8)
	b := newHeapAccumulator(t, 8)
	_, err := uuid.Parse(a.ID())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestAccumulatorFactory_DefaultSize(t *testing.T) {
	acc := newHeapAccumulator(t, 0)
	require.NoError(t, acc.Write(strings.Repeat("x", DefaultReplyBufferSize)))
	assert.ErrorIs(t, acc.Write("x"), ErrReplyTooLarge)
}

func TestAccumulatorFactory_SecureOrFallback(t *testing.T) {
	ok, _ := IsMlockAvailable()
	factory := NewAccumulatorFactory(AccumulatorConfig{BufferSize: 1024, Secure: true, AllowInsecure: true})

	acc, err := factory()
	require.NoError(t, err)
	defer acc.Destroy()
	require.NoError(t, acc.Write("geheim"))
	reply, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "geheim", reply.Text)

	if !ok {
		t.Log("mlock limit insufficient, heap fallback exercised")
	}
}

func TestIsMlockAvailable_Consistent(t *testing.T) {
	ok1, limit1 := IsMlockAvailable()
	ok2, limit2 := IsMlockAvailable()
	assert.Equal(t, ok1, ok2)
	assert.Equal(t, limit1, limit2)
}
