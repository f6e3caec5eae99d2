// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel is an llms.Model that pushes a fixed set of chunks through the
// streaming callback, optionally failing afterwards.
type fakeModel struct {
	chunks   []string
	failWith error
	received []llms.MessageContent
	pushed   int
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent,
	options ...llms.CallOption) (*llms.ContentResponse, error) {

	f.received = messages
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	full := ""
	for _, c := range f.chunks {
		if opts.StreamingFunc != nil {
			f.pushed++
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
		full += c
	}
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLangChainComplete_YieldsChunks(t *testing.T) {
	model := &fakeModel{chunks: []string{"Was", "", " denkst", " du?"}}
	client := NewLangChainClient(model, "fake")

	fragments, err := collectAll(client.Complete(context.Background(), []Turn{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "Hallo"},
		{Role: RoleAssistant, Content: "Hi"},
	}, GenerationParams{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Was", " denkst", " du?"}, fragments)

	require.Len(t, model.received, 3)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.received[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.received[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.received[2].Role)
}

func TestLangChainComplete_ConsumerStops(t *testing.T) {
	model := &fakeModel{chunks: []string{"a", "b", "c", "d"}}
	client := NewLangChainClient(model, "fake")

	var got []string
	for fragment, err := range client.Complete(context.Background(),
		[]Turn{{Role: RoleUser, Content: "x"}}, GenerationParams{}) {
		require.NoError(t, err)
		got = append(got, fragment)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 2, model.pushed)
}

func TestLangChainComplete_BackendError(t *testing.T) {
	model := &fakeModel{chunks: []string{"part"}, failWith: errors.New("connection reset")}
	client := NewLangChainClient(model, "fake")

	text, err := Collect(client.Complete(context.Background(),
		[]Turn{{Role: RoleUser, Content: "x"}}, GenerationParams{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, "part", text)
}

func TestLangChainGenerate(t *testing.T) {
	model := &fakeModel{chunks: []string{"Big Data"}}
	client := NewLangChainClient(model, "fake")

	out, err := client.Generate(context.Background(), "title please", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "Big Data", out)
	assert.Equal(t, "fake", client.Model())
}
