// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// =============================================================================
// Renderer
// =============================================================================

// Renderer draws a Session's updates on a terminal.
//
// # Description
//
// OnUpdate is the Session hook. Deltas are written as they arrive, a
// spinner covers the submitted state, and failures appear inline after
// the partial reply. Styling and the spinner are enabled only when the
// writer is a terminal.
//
// Thread Safety: safe for concurrent use.
type Renderer struct {
	w      io.Writer
	styled bool

	mu       sync.Mutex
	spinner  *Spinner
	replying bool
}

// NewRenderer creates a Renderer. A nil w uses os.Stdout.
func NewRenderer(w io.Writer) *Renderer {
	if w == nil {
		w = os.Stdout
	}
	return &Renderer{w: w, styled: IsTerminal(w)}
}

// NewPlainRenderer creates a Renderer that never styles or animates.
func NewPlainRenderer(w io.Writer) *Renderer {
	return &Renderer{w: w}
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}

// Banner prints the chat header.
func (r *Renderer) Banner(chatID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := []string{
		"Aleutian Tutor · Big Data und Data Science",
		"chat  " + chatID,
	}
	if model != "" {
		lines = append(lines, "model "+model)
	}
	lines = append(lines, "/stop (Ctrl-C) · /regen · /new · /exit")

	if !r.styled {
		fmt.Fprintln(r.w, strings.Join(lines, "\n"))
		return
	}
	content := Styles.Title.Render(lines[0]) + "\n" + Styles.Muted.Render(strings.Join(lines[1:], "\n"))
	fmt.Fprintln(r.w, Styles.Box.Render(content))
}

// Suggestions lists starter prompts.
func (r *Renderer) Suggestions(prompts []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range prompts {
		fmt.Fprintf(r.w, "%s %d. %s\n", r.style(Styles.Muted, IconBullet), i+1, p)
	}
}

// Prompt returns the input prompt.
func (r *Renderer) Prompt() string {
	return r.style(Styles.Student, "Du: ")
}

// Notice prints a muted informational line.
func (r *Renderer) Notice(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, r.style(Styles.Muted, text))
}

// Error prints a request-level failure.
func (r *Renderer) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s %s\n", r.style(Styles.Error, IconError), describeError(err))
}

// Transcript prints stored messages, e.g. after loading a chat.
func (r *Renderer) Transcript(messages []datatypes.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range messages {
		label := r.style(Styles.Student, "Du: ")
		if m.Role == datatypes.RoleAssistant {
			label = r.style(Styles.Tutor, "Tutor: ")
		}
		fmt.Fprintf(r.w, "%s%s\n", label, m.Text())
	}
}

// Delta writes a replayed fragment outside a Session, as for resumed
// streams.
func (r *Renderer) Delta(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeDeltaLocked(delta)
}

// EndReply closes a reply started with Delta.
func (r *Renderer) EndReply() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endReplyLocked()
}

// OnUpdate renders one Session update.
func (r *Renderer) OnUpdate(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Status {
	case StatusSubmitted:
		r.startSpinnerLocked()
	case StatusStreaming:
		if u.Delta != "" {
			r.writeDeltaLocked(u.Delta)
		}
	case StatusReady:
		r.stopSpinnerLocked()
		r.endReplyLocked()
	case StatusError:
		r.stopSpinnerLocked()
		r.endReplyLocked()
		fmt.Fprintf(r.w, "%s %s\n", r.style(Styles.Error, IconError), describeError(u.Err))
	}
}

func (r *Renderer) writeDeltaLocked(delta string) {
	if !r.replying {
		r.stopSpinnerLocked()
		fmt.Fprint(r.w, r.style(Styles.Tutor, "Tutor: "))
		r.replying = true
	}
	fmt.Fprint(r.w, delta)
}

func (r *Renderer) endReplyLocked() {
	if r.replying {
		fmt.Fprintln(r.w)
		r.replying = false
	}
}

func (r *Renderer) startSpinnerLocked() {
	if !r.styled || r.spinner != nil {
		return
	}
	r.spinner = NewSpinner(r.w, "Tutor denkt nach…", func(s string) string { return Styles.Tutor.Render(s) })
	r.spinner.Start()
}

func (r *Renderer) stopSpinnerLocked() {
	if r.spinner == nil {
		return
	}
	r.spinner.Stop()
	r.spinner = nil
}

// describeError maps client errors to what the student should read.
func describeError(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "Unbekannter Fehler"
	case errors.Is(err, ErrStreamFailed):
		return "Die Antwort wurde abgebrochen: Stream failed"
	case errors.As(err, &apiErr):
		switch apiErr.Kind {
		case datatypes.KindRateLimit:
			return "Tageslimit erreicht. Bitte versuche es morgen wieder."
		case datatypes.KindUnauthorized:
			return "Nicht angemeldet. Setze TUTOR_TOKEN oder erzeuge einen mit `tutor token`."
		case datatypes.KindForbidden:
			return "Dieser Chat gehört einem anderen Konto."
		case datatypes.KindBadRequest:
			if apiErr.Surface == datatypes.SurfaceChat {
				return "Die Nachricht enthält offenbar Zugangsdaten oder persönliche Daten. Bitte entferne sie."
			}
		}
		return apiErr.Error()
	default:
		return err.Error()
	}
}
