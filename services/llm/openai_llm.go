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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
)

// OpenAIClient streams from any OpenAI-compatible chat completions API,
// including Ollama's /v1 endpoint and vLLM.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client. An empty baseURL targets api.openai.com.
//
// When apiKey is empty the key is read from the container secret file, the
// same way the orchestrator resolves it.
func NewOpenAIClient(apiKey, baseURL, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			if baseURL == "" {
				return nil, fmt.Errorf("OpenAI API key not configured")
			}
			// Self-hosted compatible servers usually ignore the key.
			apiKey = "unused"
		} else {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OpenAI model not set, defaulting to gpt-4o-mini")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", model, "base_url", cfg.BaseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Model returns the default model name.
func (o *OpenAIClient) Model() string {
	return o.model
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	req := o.request([]Turn{{Role: RoleUser, Content: prompt}}, params)
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Complete streams a chat completion. Deltas with empty content, such as the
// initial role-only delta, are skipped.
func (o *OpenAIClient) Complete(ctx context.Context, turns []Turn, params GenerationParams) FragmentStream {
	if len(turns) == 0 {
		return failed(ErrNoTurns)
	}
	req := o.request(turns, params)
	req.Stream = true

	return once(func(yield func(string, error) bool) {
		ctx, span := tracer.Start(ctx, "OpenAIClient.Complete")
		defer span.End()
		span.SetAttributes(
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.num_turns", len(turns)),
		)

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			recordSpanError(span, err)
			yield("", fmt.Errorf("OpenAI stream failed to start: %w", err))
			return
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				recordSpanError(span, err)
				yield("", fmt.Errorf("OpenAI stream failed: %w", err))
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
	})
}

func (o *OpenAIClient) request(turns []Turn, params GenerationParams) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}
	req := openai.ChatCompletionRequest{
		Model:    modelOrDefault(params, o.model),
		Messages: messages,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

var _ LLMClient = (*OpenAIClient)(nil)
