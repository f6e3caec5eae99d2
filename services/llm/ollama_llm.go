// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("aleutian.tutor.llm")

const (
	// DefaultOllamaModel is the model the tutor was tuned against.
	DefaultOllamaModel = "gpt-oss:20b"

	// maxNDJSONLine bounds a single streamed chunk from Ollama.
	maxNDJSONLine = 1024 * 1024
)

// OllamaClient talks to a local Ollama server over its HTTP API.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Turn         `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaChatChunk is one NDJSON line of a streamed /api/chat response.
// Reasoning models also emit a "thinking" field which the tutor never relays.
type ollamaChatChunk struct {
	Message struct {
		Role     string `json:"role"`
		Content  string `json:"content"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewOllamaClient creates a client for the Ollama server at baseURL.
//
// An empty model selects DefaultOllamaModel. The HTTP client carries no
// overall timeout; streaming calls are bounded by the caller's context.
func NewOllamaClient(baseURL, model string) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, errors.New("ollama base URL is required")
	}
	if model == "" {
		slog.Warn("Ollama model not set, using default", "model", DefaultOllamaModel)
		model = DefaultOllamaModel
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Model returns the default model name.
func (o *OllamaClient) Model() string {
	return o.model
}

// Generate implements the LLMClient interface
func (o *OllamaClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	model := modelOrDefault(params, o.model)
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	payload := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: ollamaOptions(params),
	}
	resp, err := o.post(ctx, "/api/generate", payload)
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		recordSpanError(span, err)
		return "", fmt.Errorf("failed to parse Ollama response: %w", err)
	}
	return out.Response, nil
}

// Complete streams a chat completion from /api/chat.
//
// Each NDJSON line is decoded as it arrives and its non-empty content is
// yielded immediately. The request is tied to ctx, so cancelling ctx or
// breaking out of the range loop closes the connection to Ollama.
func (o *OllamaClient) Complete(ctx context.Context, turns []Turn,
	params GenerationParams) FragmentStream {

	if len(turns) == 0 {
		return failed(ErrNoTurns)
	}
	model := modelOrDefault(params, o.model)

	return once(func(yield func(string, error) bool) {
		ctx, span := tracer.Start(ctx, "OllamaClient.Complete")
		defer span.End()
		span.SetAttributes(
			attribute.String("llm.model", model),
			attribute.Int("llm.num_turns", len(turns)),
		)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		payload := ollamaChatRequest{
			Model:    model,
			Messages: turns,
			Stream:   true,
			Options:  ollamaOptions(params),
		}
		resp, err := o.post(ctx, "/api/chat", payload)
		if err != nil {
			recordSpanError(span, err)
			yield("", err)
			return
		}
		defer resp.Body.Close()

		fragments, err := o.relayChunks(ctx, resp.Body, yield)
		span.SetAttributes(attribute.Int("llm.fragments", fragments))
		if err != nil {
			recordSpanError(span, err)
			yield("", err)
		}
	})
}

// relayChunks scans NDJSON lines from body and yields content fragments.
// It returns a nil error when the consumer stops early or the backend
// reports done.
func (o *OllamaClient) relayChunks(ctx context.Context, body io.Reader,
	yield func(string, error) bool) (int, error) {

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxNDJSONLine)

	fragments := 0
	for scanner.Scan() {
		// Buffered lines are still returned after cancellation.
		if ctx.Err() != nil {
			return fragments, ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fragments, fmt.Errorf("malformed chunk from Ollama: %w", err)
		}
		if chunk.Error != "" {
			return fragments, fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			fragments++
			if !yield(chunk.Message.Content, nil) {
				return fragments, nil
			}
		}
		if chunk.Done {
			return fragments, nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return fragments, ctx.Err()
		}
		return fragments, fmt.Errorf("reading Ollama stream: %w", err)
	}
	if ctx.Err() != nil {
		return fragments, ctx.Err()
	}
	return fragments, errors.New("ollama stream ended without done marker")
}

func (o *OllamaClient) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama API call failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound && strings.Contains(string(msg), "not found") {
			return nil, fmt.Errorf("model not found, run 'ollama pull <model>': %s", strings.TrimSpace(string(msg)))
		}
		return nil, fmt.Errorf("ollama failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// ollamaOptions maps GenerationParams onto Ollama's options object.
func ollamaOptions(params GenerationParams) map[string]any {
	options := map[string]any{
		"temperature": float32(0.2),
		"top_k":       20,
		"top_p":       float32(0.9),
		"num_predict": 8192,
	}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

var _ LLMClient = (*OllamaClient)(nil)
