// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// newMockOllamaServer creates a test server that returns streaming NDJSON.
func newMockOllamaServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

func newTestOllamaClient(t *testing.T, baseURL string) *OllamaClient {
	t.Helper()
	client, err := NewOllamaClient(baseURL, "test-model")
	require.NoError(t, err)
	return client
}

func collectAll(stream FragmentStream) ([]string, error) {
	var out []string
	for fragment, err := range stream {
		if err != nil {
			return out, err
		}
		out = append(out, fragment)
	}
	return out, nil
}

// =============================================================================
// Complete Tests
// =============================================================================

func TestOllamaComplete_BasicSuccess(t *testing.T) {
	t.Parallel()

	var got ollamaChatRequest
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hallo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" Anna"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"!"},"done":false}`)
		fmt.Fprintln(w, `{"done":true,"done_reason":"stop"}`)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	turns := []Turn{
		{Role: RoleSystem, Content: "Be a tutor"},
		{Role: RoleUser, Content: "Was ist Overfitting?"},
	}

	fragments, err := collectAll(client.Complete(context.Background(), turns, GenerationParams{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hallo", " Anna", "!"}, fragments)

	assert.True(t, got.Stream)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, turns, got.Messages)
	assert.EqualValues(t, 8192, got.Options["num_predict"])
}

func TestOllamaComplete_SkipsEmptyAndThinking(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"","thinking":"hmm"},"done":false}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"42"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	fragments, err := collectAll(client.Complete(context.Background(),
		[]Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, fragments)
}

func TestOllamaComplete_ModelOverride(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2", req.Model)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	_, err := Collect(client.Complete(context.Background(),
		[]Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{Model: "llama3.2"}))
	require.NoError(t, err)
}

func TestOllamaComplete_ServerError(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	fragments, err := collectAll(client.Complete(context.Background(),
		[]Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Empty(t, fragments)
}

func TestOllamaComplete_ModelNotFound(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model 'x' not found"}`, http.StatusNotFound)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	_, err := Collect(client.Complete(context.Background(),
		[]Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull")
}

func TestOllamaComplete_MidStreamError(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Teil"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	text, err := Collect(client.Complete(context.Background(),
		[]Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model crashed")
	assert.Equal(t, "Teil", text)
}

func TestOllamaComplete_MalformedJSON(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{not json`)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	_, err := Collect(client.Complete(context.Background(),
		[]Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed chunk")
}

func TestOllamaComplete_TruncatedStream(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"a"},"done":false}`)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	_, err := Collect(client.Complete(context.Background(),
		[]Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without done marker")
}

// TestOllamaComplete_ConsumerStopsEarly verifies that breaking out of the
// range loop closes the backend connection without further yields.
func TestOllamaComplete_ConsumerStopsEarly(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{})
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(w, "{\"message\":{\"content\":\"f%d\"},\"done\":false}\n", i); err != nil {
				break
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				close(closed)
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
		close(closed)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	var got []string
	for fragment, err := range client.Complete(context.Background(),
		[]Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{}) {
		require.NoError(t, err)
		got = append(got, fragment)
		if len(got) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"f0", "f1", "f2"}, got)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("backend request was not cancelled after consumer stopped")
	}
}

func TestOllamaComplete_ContextCancellation(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"first"},"done":false}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	var streamErr error
	for fragment, err := range client.Complete(ctx, []Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{}) {
		if err != nil {
			streamErr = err
			break
		}
		got = append(got, fragment)
		cancel()
	}
	assert.Equal(t, []string{"first"}, got)
	require.Error(t, streamErr)
	assert.ErrorIs(t, streamErr, context.Canceled)
}

// TestOllamaComplete_CancelSkipsBufferedLines verifies that lines already
// read from the socket are not yielded once ctx is cancelled.
func TestOllamaComplete_CancelSkipsBufferedLines(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		for _, c := range []string{"a", "b", "c", "d"} {
			fmt.Fprintf(w, "{\"message\":{\"content\":%q},\"done\":false}\n", c)
		}
		fmt.Fprintln(w, `{"message":{"content":""},"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	var streamErr error
	for fragment, err := range client.Complete(ctx, []Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{}) {
		if err != nil {
			streamErr = err
			break
		}
		got = append(got, fragment)
		cancel()
	}
	assert.Equal(t, []string{"a"}, got)
	assert.ErrorIs(t, streamErr, context.Canceled)
}

func TestOllamaComplete_NotRestartable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprintln(w, `{"message":{"content":"x"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	stream := client.Complete(context.Background(), []Turn{{Role: RoleUser, Content: "?"}}, GenerationParams{})

	_, err := Collect(stream)
	require.NoError(t, err)
	_, err = Collect(stream)
	assert.ErrorIs(t, err, ErrStreamConsumed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOllamaComplete_NoTurns(t *testing.T) {
	client := newTestOllamaClient(t, "http://127.0.0.1:1")
	_, err := Collect(client.Complete(context.Background(), nil, GenerationParams{}))
	assert.ErrorIs(t, err, ErrNoTurns)
}

// =============================================================================
// Generate Tests
// =============================================================================

func TestOllamaGenerate(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "Titel?", req.Prompt)
		fmt.Fprint(w, `{"model":"test-model","response":"Overfitting","done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(t, server.URL)
	out, err := client.Generate(context.Background(), "Titel?", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "Overfitting", out)
}

func TestNewOllamaClient(t *testing.T) {
	_, err := NewOllamaClient("", "m")
	assert.Error(t, err)

	client, err := NewOllamaClient("http://localhost:11434/", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaModel, client.Model())
	assert.Equal(t, "http://localhost:11434", client.baseURL)
}

func TestOllamaOptions(t *testing.T) {
	temp := float32(0.7)
	maxTokens := 64
	opts := ollamaOptions(GenerationParams{Temperature: &temp, MaxTokens: &maxTokens, Stop: []string{"###"}})
	assert.Equal(t, temp, opts["temperature"])
	assert.Equal(t, 64, opts["num_predict"])
	assert.Equal(t, []string{"###"}, opts["stop"])
	assert.Equal(t, 20, opts["top_k"])
}
