// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm wraps the language-model backends used by the tutor.
//
// Every backend exposes the same streaming contract: given an ordered list of
// role-tagged turns it returns a lazy FragmentStream. Nothing is sent to the
// backend until the stream is ranged over, and ranging over it a second time
// yields ErrStreamConsumed instead of re-issuing the request.
package llm

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync/atomic"
)

// Role values accepted by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrStreamConsumed is yielded when a FragmentStream is ranged over twice.
	ErrStreamConsumed = errors.New("fragment stream already consumed")

	// ErrNoTurns is yielded when Complete is called with an empty turn list.
	ErrNoTurns = errors.New("at least one turn is required")
)

// Turn is one role-tagged message sent to the backend.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams tunes a single backend call. Nil fields fall back to the
// backend's defaults.
type GenerationParams struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// FragmentStream is a lazy, order-preserving sequence of non-empty text
// fragments. A backend failure is delivered once as a non-nil error, after
// which the sequence ends.
type FragmentStream = iter.Seq2[string, error]

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate returns a single non-streamed completion for prompt.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Complete starts a streaming chat completion over turns.
	Complete(ctx context.Context, turns []Turn, params GenerationParams) FragmentStream

	// Model returns the default model identifier of the backend.
	Model() string
}

// Collect drains a FragmentStream and returns the concatenated text.
//
// The text gathered before a failure is returned together with the error.
func Collect(stream FragmentStream) (string, error) {
	var sb strings.Builder
	for fragment, err := range stream {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(fragment)
	}
	return sb.String(), nil
}

// once wraps produce so the resulting stream can only be ranged over one time.
func once(produce func(yield func(string, error) bool)) FragmentStream {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		produce(yield)
	}
}

// failed returns a stream that yields err and ends.
func failed(err error) FragmentStream {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

func modelOrDefault(params GenerationParams, fallback string) string {
	if params.Model != "" {
		return params.Model
	}
	return fallback
}
