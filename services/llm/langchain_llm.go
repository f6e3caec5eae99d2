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

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"
)

// errConsumerStopped aborts a langchaingo call when the range loop breaks.
var errConsumerStopped = errors.New("consumer stopped")

// LangChainClient adapts any langchaingo llms.Model to LLMClient.
//
// langchaingo pushes chunks through a streaming callback that runs on the
// calling goroutine, so the adapter yields straight from inside the callback
// and returns errConsumerStopped to end the call early.
type LangChainClient struct {
	model llms.Model
	name  string
}

// NewLangChainClient wraps an existing langchaingo model.
func NewLangChainClient(model llms.Model, name string) *LangChainClient {
	return &LangChainClient{model: model, name: name}
}

// NewLangChainOllamaClient builds a langchaingo Ollama model.
func NewLangChainOllamaClient(baseURL, model string) (*LangChainClient, error) {
	if model == "" {
		model = DefaultOllamaModel
	}
	opts := []ollama.Option{ollama.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create langchaingo ollama model: %w", err)
	}
	return NewLangChainClient(llm, model), nil
}

// Model returns the configured model name.
func (l *LangChainClient) Model() string {
	return l.name
}

// Generate implements the LLMClient interface
func (l *LangChainClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt, callOptions(params)...)
	if err != nil {
		return "", fmt.Errorf("langchaingo generate: %w", err)
	}
	return out, nil
}

// Complete streams a chat completion through llms.WithStreamingFunc.
func (l *LangChainClient) Complete(ctx context.Context, turns []Turn, params GenerationParams) FragmentStream {
	if len(turns) == 0 {
		return failed(ErrNoTurns)
	}
	content := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		content = append(content, llms.TextParts(messageType(t.Role), t.Content))
	}

	return once(func(yield func(string, error) bool) {
		ctx, span := tracer.Start(ctx, "LangChainClient.Complete")
		defer span.End()
		span.SetAttributes(
			attribute.String("llm.model", modelOrDefault(params, l.name)),
			attribute.Int("llm.num_turns", len(turns)),
		)

		stopped := false
		stream := func(ctx context.Context, chunk []byte) error {
			if stopped {
				return errConsumerStopped
			}
			if len(chunk) == 0 {
				return nil
			}
			if !yield(string(chunk), nil) {
				stopped = true
				return errConsumerStopped
			}
			return nil
		}
		opts := append(callOptions(params), llms.WithStreamingFunc(stream))

		_, err := l.model.GenerateContent(ctx, content, opts...)
		if err != nil && !stopped && !errors.Is(err, errConsumerStopped) {
			recordSpanError(span, err)
			yield("", fmt.Errorf("langchaingo stream failed: %w", err))
		}
	})
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func callOptions(params GenerationParams) []llms.CallOption {
	var opts []llms.CallOption
	if params.Model != "" {
		opts = append(opts, llms.WithModel(params.Model))
	}
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.TopK != nil {
		opts = append(opts, llms.WithTopK(*params.TopK))
	}
	if params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*params.TopP)))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	return opts
}

var _ LLMClient = (*LangChainClient)(nil)
