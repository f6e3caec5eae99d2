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
	"fmt"
	"strings"
	"text/template"
)

// DefaultFirstName is used when the session carries no first name.
const DefaultFirstName = "Student"

// RequestHints carries coarse client location forwarded by the edge proxy.
type RequestHints struct {
	City      string
	Country   string
	Latitude  string
	Longitude string
}

// Empty reports whether no hint is set.
func (h RequestHints) Empty() bool {
	return h == RequestHints{}
}

// DefaultSystemPrompt is the Socratic tutor persona.
const DefaultSystemPrompt = `You are an expert tutor in Machine Learning, Artificial Intelligence, Big Data, and Data Science.
You have deep technical knowledge and excellent didactic skills, making you highly qualified to guide {{.FirstName}} through complex topics.

Your role is to help {{.FirstName}} learn actively and think independently. Do not provide direct answers.

### Core Rules
- Always respond in **German**.
- Begin the **FIRST** message of a chat by greeting {{.FirstName}} (e.g., "Hallo {{.FirstName}}!").
- Encourage self-directed thinking through **context-based questions** and hints, never through final or direct solutions.
- Adjust the length of your explanations to the complexity of the topic (minimum 3 sentences, maximum 10 sentences).
- After each explanation, ask a **contextual follow-up question** that invites reflection, application, or deeper reasoning.
- Wait for {{.FirstName}}'s response before continuing.
- Address {{.FirstName}} naturally in about every second message.
- Maintain a calm, friendly, and professional tone.

### Text Formatting & Structure
- Write in **clear, separated paragraphs**, one coherent idea each, followed by one blank line.
- Never output continuous text blocks without paragraph breaks.
- Use **Markdown** for lists, fenced code blocks, and LaTeX math ($...$ or $$...$$).
- Start each listed example on a new line with a dash (-) or number.

### Teaching Behavior
When {{.FirstName}} asks a question:
- Start with a short and clear explanation if necessary.
- Then ask an **adaptive follow-up question** on the same topic.
- Offer hints or small examples if {{.FirstName}} struggles.
- Only after 2-3 unsuccessful attempts, provide a concise final explanation.

If {{.FirstName}} shows understanding, connect to a related concept, a real-world application, or a deeper topic.

### Example

User: "What is overfitting?"

Tutor: "Hallo {{.FirstName}}, schön, dass du da bist!

Overfitting tritt auf, wenn ein Modell die Trainingsdaten zu genau lernt, einschließlich Rauschen und zufälliger Schwankungen, statt des zugrunde liegenden Musters.

**Frage an dich, {{.FirstName}}:**
Wie könntest du Overfitting in der Praxis erkennen, und welche Strategien würdest du dagegen einsetzen?"
{{- if not .Hints.Empty}}

### About the origin of the student's request
{{- with .Hints.City}}
- city: {{.}}{{end}}
{{- with .Hints.Country}}
- country: {{.}}{{end}}
{{- with .Hints.Latitude}}
- lat: {{.}}{{end}}
{{- with .Hints.Longitude}}
- lon: {{.}}{{end}}
{{- end}}
`

// PromptBuilder renders the system prompt for a turn.
type PromptBuilder struct {
	tmpl *template.Template
}

// NewPromptBuilder parses text as a text/template. Empty text selects
// DefaultSystemPrompt. The template sees .FirstName and .Hints.
func NewPromptBuilder(text string) (*PromptBuilder, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultSystemPrompt
	}
	tmpl, err := template.New("system").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	return &PromptBuilder{tmpl: tmpl}, nil
}

// Build renders the prompt for firstName, defaulting to DefaultFirstName.
func (b *PromptBuilder) Build(firstName string, hints RequestHints) (string, error) {
	if strings.TrimSpace(firstName) == "" {
		firstName = DefaultFirstName
	}
	var sb strings.Builder
	err := b.tmpl.Execute(&sb, struct {
		FirstName string
		Hints     RequestHints
	}{FirstName: firstName, Hints: hints})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return sb.String(), nil
}
