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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTutor/pkg/ux"
	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// fakeTutor serves the chat endpoints the REPL uses.
type fakeTutor struct {
	mu       sync.Mutex
	posts    []datatypes.PostChatRequest
	trailing []string
	frames   func(n int) []string

	trailingStatus int
	stored         []datatypes.Message
	resumeFrames   []string
	started        chan struct{}
	block          bool
}

func (f *fakeTutor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req datatypes.PostChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.posts = append(f.posts, req)
		n := len(f.posts)
		f.mu.Unlock()

		frames := []string{`{"delta":"Was "}`, `{"delta":"meinst du?"}`, "[DONE]"}
		if f.frames != nil {
			frames = f.frames(n)
		}
		writeSSE(w, frames)
		if f.block {
			if f.started != nil {
				close(f.started)
			}
			<-r.Context().Done()
		}
	})
	mux.HandleFunc("DELETE /api/messages/{id}/trailing", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.trailing = append(f.trailing, r.PathValue("id"))
		f.mu.Unlock()
		if f.trailingStatus != 0 {
			writeJSON(w, f.trailingStatus, datatypes.ErrorBody{Code: "not_found:chat", Message: "gone"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": 2})
	})
	mux.HandleFunc("GET /api/chat/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if f.stored == nil {
			writeJSON(w, http.StatusNotFound, datatypes.ErrorBody{Code: "not_found:chat", Message: "no chat"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": f.stored})
	})
	mux.HandleFunc("GET /api/chat/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		if f.resumeFrames == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeSSE(w, f.resumeFrames)
	})
	return mux
}

func (f *fakeTutor) requests() []datatypes.PostChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datatypes.PostChatRequest(nil), f.posts...)
}

func writeSSE(w http.ResponseWriter, frames []string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, frame := range frames {
		fmt.Fprintf(w, "data: %s\n\n", frame)
	}
	w.(http.Flusher).Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func startREPL(t *testing.T, fake *fakeTutor, chatID string) (*chatREPL, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	client := ux.NewClient(ux.ClientConfig{BaseURL: srv.URL, Token: "tok"})
	repl := newChatREPL(client, ux.NewPlainRenderer(&out), &out, ux.SessionConfig{
		ChatID: chatID,
		Model:  "gpt-oss:20b",
	})
	return repl, &out
}

func runInput(t *testing.T, repl *chatREPL, input string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := repl.run(ctx, strings.NewReader(input)); err != nil {
		t.Fatalf("run() failed: %v", err)
	}
}

func TestChatREPL_SendsAndRenders(t *testing.T) {
	fake := &fakeTutor{}
	repl, out := startREPL(t, fake, "")

	runInput(t, repl, "Was ist ein Median?\n/exit\nnie gesendet\n")

	reqs := fake.requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	if got := reqs[0].Text(); got != "Was ist ein Median?" {
		t.Errorf("request text = %q", got)
	}
	if err := reqs[0].Validate(); err != nil {
		t.Errorf("request does not validate: %v", err)
	}
	if reqs[0].ID != repl.session.ChatID() {
		t.Errorf("chat id = %q, want %q", reqs[0].ID, repl.session.ChatID())
	}
	if !strings.Contains(out.String(), "Tutor: Was meinst du?\n") {
		t.Errorf("output missing reply:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Aleutian Tutor") {
		t.Errorf("output missing banner:\n%s", out.String())
	}
	if got := len(repl.session.Messages()); got != 2 {
		t.Errorf("session has %d messages, want 2", got)
	}
}

func TestChatREPL_SuggestionNumber(t *testing.T) {
	fake := &fakeTutor{}
	repl, _ := startREPL(t, fake, "")

	runInput(t, repl, "2\n")

	reqs := fake.requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	if got := reqs[0].Text(); got != suggestedPrompts[1] {
		t.Errorf("request text = %q, want %q", got, suggestedPrompts[1])
	}
}

func TestChatREPL_NumberAfterFirstTurnIsText(t *testing.T) {
	fake := &fakeTutor{}
	repl, _ := startREPL(t, fake, "")

	runInput(t, repl, "Wie viele Cluster?\n3\n")

	reqs := fake.requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if got := reqs[1].Text(); got != "3" {
		t.Errorf("second request text = %q, want 3", got)
	}
}

func TestChatREPL_Regenerate(t *testing.T) {
	for _, status := range []int{0, http.StatusNotFound} {
		t.Run(fmt.Sprintf("trailing status %d", status), func(t *testing.T) {
			fake := &fakeTutor{trailingStatus: status}
			repl, _ := startREPL(t, fake, "")

			runInput(t, repl, "Was ist Varianz?\n/regen\n")

			reqs := fake.requests()
			if len(reqs) != 2 {
				t.Fatalf("got %d requests, want 2", len(reqs))
			}
			if reqs[0].Message.ID != reqs[1].Message.ID {
				t.Errorf("regenerate sent a new message id")
			}
			if reqs[0].ID != reqs[1].ID {
				t.Errorf("regenerate changed the chat id")
			}
			fake.mu.Lock()
			trailing := fake.trailing
			fake.mu.Unlock()
			if len(trailing) != 1 || trailing[0] != reqs[0].Message.ID {
				t.Errorf("trailing deletes = %v, want [%s]", trailing, reqs[0].Message.ID)
			}
			if got := len(repl.session.Messages()); got != 2 {
				t.Errorf("session has %d messages, want 2", got)
			}
		})
	}
}

func TestChatREPL_RegenerateWithoutQuestion(t *testing.T) {
	fake := &fakeTutor{}
	repl, out := startREPL(t, fake, "")

	runInput(t, repl, "/regen\n")

	if len(fake.requests()) != 0 {
		t.Error("regenerate on an empty chat sent a request")
	}
	if !strings.Contains(out.String(), "Noch keine Frage") {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestChatREPL_NewChat(t *testing.T) {
	fake := &fakeTutor{}
	repl, _ := startREPL(t, fake, "")

	runInput(t, repl, "Erste Frage\n/new\nZweite Frage\n")

	reqs := fake.requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if reqs[0].ID == reqs[1].ID {
		t.Error("/new kept the chat id")
	}
	if got := len(repl.session.Messages()); got != 2 {
		t.Errorf("session has %d messages after /new, want 2", got)
	}
}

func TestChatREPL_RecoversAfterStreamFailure(t *testing.T) {
	fake := &fakeTutor{frames: func(n int) []string {
		if n == 1 {
			return []string{`{"delta":"Halb"}`, `{"error":"Stream failed"}`}
		}
		return []string{`{"delta":"Neu"}`, "[DONE]"}
	}}
	repl, out := startREPL(t, fake, "")

	runInput(t, repl, "a\nb\n")

	if got := len(fake.requests()); got != 2 {
		t.Fatalf("got %d requests, want 2", got)
	}
	text := out.String()
	if !strings.Contains(text, "✗ Die Antwort wurde abgebrochen: Stream failed") {
		t.Errorf("output missing failure line:\n%s", text)
	}
	if !strings.Contains(text, "Tutor: Neu\n") {
		t.Errorf("output missing second reply:\n%s", text)
	}
	if repl.session.Status() != ux.StatusReady {
		t.Errorf("status = %v, want ready", repl.session.Status())
	}
}

func TestChatREPL_InterruptStopsReply(t *testing.T) {
	fake := &fakeTutor{
		frames:  func(int) []string { return []string{`{"delta":"Denk "}`} },
		block:   true,
		started: make(chan struct{}),
	}
	repl, out := startREPL(t, fake, "")
	interrupts := make(chan os.Signal, 1)
	repl.interrupts = interrupts

	in, write := io.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- repl.run(ctx, in) }()

	if _, err := io.WriteString(write, "Frage\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fake.started:
	case <-ctx.Done():
		t.Fatal("request never reached the server")
	}
	for repl.session.Status() != ux.StatusStreaming {
		if ctx.Err() != nil {
			t.Fatal("reply never started streaming")
		}
		time.Sleep(5 * time.Millisecond)
	}
	interrupts <- os.Interrupt

	// /exit is queued and handled once the stopped send has returned.
	if _, err := io.WriteString(write, "/exit\n"); err != nil {
		t.Fatal(err)
	}
	if err := <-result; err != nil {
		t.Fatalf("run() failed: %v", err)
	}
	_ = write.Close()

	if !strings.Contains(out.String(), "(gestoppt)") {
		t.Errorf("output missing stop notice:\n%s", out.String())
	}
	msgs := repl.session.Messages()
	if len(msgs) != 2 || msgs[1].Text() != "Denk " {
		t.Errorf("partial reply not kept: %+v", msgs)
	}
}

func TestChatREPL_ResumesStoredChat(t *testing.T) {
	chatID := "7f1c3a52-0d7e-4c39-9d62-0a5b8b1f2c11"
	user := datatypes.Message{
		ID:     "2c9e5f4a-8a8b-4a53-9f0e-5d1a7b3c6e20",
		ChatID: chatID,
		Role:   datatypes.RoleUser,
		Parts:  []datatypes.Part{{Type: datatypes.PartTypeText, Text: "Was ist Entropie?"}},
	}
	fake := &fakeTutor{
		stored:       []datatypes.Message{user},
		resumeFrames: []string{`{"delta":"Woran "}`, `{"delta":"denkst du?"}`, "[DONE]"},
	}
	repl, out := startREPL(t, fake, chatID)

	runInput(t, repl, "")

	text := out.String()
	if !strings.Contains(text, "Du: Was ist Entropie?\n") {
		t.Errorf("output missing transcript:\n%s", text)
	}
	if !strings.Contains(text, "Tutor: Woran denkst du?\n") {
		t.Errorf("output missing resumed reply:\n%s", text)
	}
	if strings.Contains(text, suggestedPrompts[0]) {
		t.Error("suggestions shown for a stored chat")
	}
	if repl.session.ChatID() != chatID {
		t.Errorf("chat id = %q", repl.session.ChatID())
	}
}

func TestChatREPL_UnknownChatStartsEmpty(t *testing.T) {
	chatID := "7f1c3a52-0d7e-4c39-9d62-0a5b8b1f2c12"
	fake := &fakeTutor{}
	repl, out := startREPL(t, fake, chatID)

	runInput(t, repl, "Hallo\n")

	if !strings.Contains(out.String(), suggestedPrompts[0]) {
		t.Errorf("suggestions missing for a new chat:\n%s", out.String())
	}
	reqs := fake.requests()
	if len(reqs) != 1 || reqs[0].ID != chatID {
		t.Errorf("requests = %+v, want one for %s", reqs, chatID)
	}
}
