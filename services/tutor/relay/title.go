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
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianTutor/services/llm"
)

// DefaultChatTitle is the curriculum title given to every new chat in the
// default mode.
const DefaultChatTitle = "Big Data und Data Science"

// MaxTitleRunes bounds generated titles.
const MaxTitleRunes = 80

// Title modes.
const (
	TitleModeFixed     = "fixed"
	TitleModeFirstTurn = "first_turn"
	TitleModeLLM       = "llm"
)

// TitleGenerator names a new chat from its first user turn.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, firstTurn string) (string, error)
}

// TitleConfig selects a title generator.
type TitleConfig struct {
	Mode  string `yaml:"mode"`
	Fixed string `yaml:"fixed"`
}

// NewTitleGenerator builds the generator for cfg. client is only used in
// llm mode.
func NewTitleGenerator(cfg TitleConfig, client llm.LLMClient) (TitleGenerator, error) {
	fixed := FixedTitle(cfg.Fixed)
	if fixed == "" {
		fixed = DefaultChatTitle
	}
	switch cfg.Mode {
	case "", TitleModeFixed:
		return fixed, nil
	case TitleModeFirstTurn:
		return FirstTurnTitle{Fallback: fixed}, nil
	case TitleModeLLM:
		if client == nil {
			return nil, fmt.Errorf("title mode %q needs an llm client", cfg.Mode)
		}
		return &LLMTitle{Client: client, Fallback: fixed}, nil
	default:
		return nil, fmt.Errorf("unknown title mode %q", cfg.Mode)
	}
}

// FixedTitle returns the same title for every chat.
type FixedTitle string

func (t FixedTitle) GenerateTitle(context.Context, string) (string, error) {
	return string(t), nil
}

// FirstTurnTitle uses the opening of the first user turn.
type FirstTurnTitle struct {
	Fallback FixedTitle
}

func (t FirstTurnTitle) GenerateTitle(_ context.Context, firstTurn string) (string, error) {
	title := cleanTitle(firstTurn)
	if title == "" {
		return string(t.Fallback), nil
	}
	return title, nil
}

// titlePrompt asks for a single short summary line.
const titlePrompt = `Generate a short title for a tutoring conversation that begins with the student message below.
- at most 80 characters
- a summary of the student's question
- no quotes or colons
- answer with the title only

Student message:
%s`

// LLMTitle asks the model gateway for a title.
type LLMTitle struct {
	Client   llm.LLMClient
	Params   llm.GenerationParams
	Fallback FixedTitle
}

func (t *LLMTitle) GenerateTitle(ctx context.Context, firstTurn string) (string, error) {
	raw, err := t.Client.Generate(ctx, fmt.Sprintf(titlePrompt, firstTurn), t.Params)
	if err != nil {
		return string(t.Fallback), fmt.Errorf("generate title: %w", err)
	}
	title := cleanTitle(strings.NewReplacer(`"`, "", ":", "").Replace(raw))
	if title == "" {
		return string(t.Fallback), nil
	}
	return title, nil
}

// cleanTitle takes the first non-empty line, collapses whitespace, and
// truncates to MaxTitleRunes.
func cleanTitle(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > MaxTitleRunes {
			line = strings.TrimRightFunc(string(runes[:MaxTitleRunes]), unicode.IsSpace)
		}
		return line
	}
	return ""
}
