// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianTutor/cmd/tutor/config"
	"github.com/AleutianAI/AleutianTutor/pkg/ux"
	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// suggestedPrompts are offered on an empty chat; typing the number sends one.
var suggestedPrompts = []string{
	"Was unterscheidet Big Data von klassischer Datenanalyse?",
	"Wie funktioniert MapReduce?",
	"Woran erkenne ich Overfitting?",
	"Wie hängen Varianz und Standardabweichung zusammen?",
}

func runChat(cmd *cobra.Command, _ []string) error {
	cc := config.Global.Client

	model := cc.Model
	if chatModel != "" {
		model = chatModel
	}
	visibility := cc.Visibility
	if chatPublic {
		visibility = datatypes.VisibilityPublic
	}
	if cc.Token == "" {
		slog.Warn("TUTOR_TOKEN is not set; the service will reject requests unless auth is disabled")
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	client := ux.NewClient(ux.ClientConfig{BaseURL: cc.BaseURL, Token: cc.Token})
	renderer := ux.NewRenderer(cmd.OutOrStdout())
	repl := newChatREPL(client, renderer, cmd.OutOrStdout(), ux.SessionConfig{
		ChatID:     chatID,
		Model:      model,
		Visibility: visibility,
	})
	repl.interrupts = interrupts
	return repl.run(cmd.Context(), cmd.InOrStdin())
}

// =============================================================================
// REPL
// =============================================================================

// chatREPL drives a Session from line input.
//
// # Description
//
// Lines are read on a separate goroutine so /stop and Ctrl-C work while a
// reply streams. Other lines typed during a reply are queued and sent once
// the session is ready again.
type chatREPL struct {
	client     *ux.Client
	session    *ux.Session
	renderer   *ux.Renderer
	out        io.Writer
	model      string
	interrupts <-chan os.Signal
	resumeID   string
}

func newChatREPL(client *ux.Client, renderer *ux.Renderer, out io.Writer, cfg ux.SessionConfig) *chatREPL {
	resumeID := cfg.ChatID
	cfg.OnUpdate = renderer.OnUpdate
	return &chatREPL{
		client:   client,
		session:  ux.NewSession(client, cfg),
		renderer: renderer,
		out:      out,
		model:    cfg.Model,
		resumeID: resumeID,
	}
}

func (r *chatREPL) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.renderer.Banner(r.session.ChatID(), r.model)
	if r.resumeID != "" {
		r.resume(ctx)
	}
	if len(r.session.Messages()) == 0 {
		r.renderer.Suggestions(suggestedPrompts)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		queue []string
		done  chan error // non-nil while a send runs
	)
	prompt := func() { fmt.Fprint(r.out, r.renderer.Prompt()) }
	prompt()

	for {
		for done == nil && len(queue) > 0 {
			line := queue[0]
			queue = queue[1:]
			var exit bool
			done, exit = r.handle(ctx, line)
			if exit {
				return nil
			}
			if done == nil {
				prompt()
			}
		}
		if lines == nil && done == nil {
			fmt.Fprintln(r.out)
			return nil
		}

		select {
		case <-ctx.Done():
			r.session.Cancel()
			if done != nil {
				<-done
			}
			return nil

		case <-r.interrupts:
			if done != nil {
				r.session.Cancel()
				continue
			}
			fmt.Fprintln(r.out)
			return nil

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if done != nil && strings.TrimSpace(line) == "/stop" {
				r.session.Cancel()
				continue
			}
			queue = append(queue, line)

		case err := <-done:
			done = nil
			r.afterSend(err)
			prompt()
		}
	}
}

// handle runs one input line. It returns a channel that delivers the send
// result when the line started a request, and exit when the REPL should end.
func (r *chatREPL) handle(ctx context.Context, line string) (done chan error, exit bool) {
	text := strings.TrimSpace(line)
	switch text {
	case "":
		return nil, false
	case "/exit", "/quit":
		return nil, true
	case "/help":
		r.renderer.Notice("/stop (Ctrl-C) · /regen · /new · /exit")
		return nil, false
	case "/stop":
		r.renderer.Notice("Keine laufende Antwort.")
		return nil, false
	case "/new":
		if err := r.session.Reset(""); err != nil {
			r.renderer.Error(err)
			return nil, false
		}
		r.renderer.Banner(r.session.ChatID(), r.model)
		r.renderer.Suggestions(suggestedPrompts)
		return nil, false
	case "/regen":
		target, ok := r.session.LastUserMessage()
		if !ok {
			r.renderer.Notice("Noch keine Frage zum Wiederholen.")
			return nil, false
		}
		return r.async(func() error {
			if err := r.deleteTrailing(ctx, target.ID); err != nil {
				return err
			}
			return r.session.Regenerate(ctx)
		}), false
	}

	if n, err := strconv.Atoi(text); err == nil && len(r.session.Messages()) == 0 && n >= 1 && n <= len(suggestedPrompts) {
		text = suggestedPrompts[n-1]
		r.renderer.Notice(text)
	}
	return r.async(func() error { return r.session.Submit(ctx, text) }), false
}

func (r *chatREPL) async(send func() error) chan error {
	done := make(chan error, 1)
	go func() { done <- send() }()
	return done
}

// deleteTrailing removes the stored reply to messageID so a regenerated
// reply replaces it. A message the server never stored is not an error.
func (r *chatREPL) deleteTrailing(ctx context.Context, messageID string) error {
	deleted, err := r.client.DeleteTrailingMessages(ctx, messageID)
	var apiErr *ux.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == datatypes.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Debug("Deleted trailing messages", "message_id", messageID, "deleted", deleted)
	return nil
}

func (r *chatREPL) afterSend(err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		r.renderer.Notice("(gestoppt)")
	case r.session.Status() == ux.StatusError:
		// OnUpdate already rendered it.
		r.session.Acknowledge()
	default:
		r.renderer.Error(err)
	}
}

// resume loads a stored chat and replays a reply that is still generating.
func (r *chatREPL) resume(ctx context.Context) {
	id := r.session.ChatID()
	messages, err := r.client.Messages(ctx, id)
	if err != nil {
		var apiErr *ux.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == datatypes.KindNotFound {
			return
		}
		r.renderer.Error(err)
		return
	}
	if err := r.session.Restore(id, messages); err != nil {
		r.renderer.Error(err)
		return
	}
	r.renderer.Transcript(messages)

	if len(messages) == 0 || messages[len(messages)-1].Role != datatypes.RoleUser {
		return
	}
	resumed, err := r.client.ResumeStream(ctx, id, r.renderer.Delta)
	if resumed {
		r.renderer.EndReply()
	}
	if err != nil {
		r.renderer.Error(err)
		return
	}
	if !resumed {
		return
	}
	if messages, err = r.client.Messages(ctx, id); err == nil {
		_ = r.session.Restore(id, messages)
	}
}
