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
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// =============================================================================
// Helpers
// =============================================================================

type scriptFunc func(ctx context.Context, req datatypes.PostChatRequest, onDelta func(string)) error

type fakeTransport struct {
	mu       sync.Mutex
	requests []datatypes.PostChatRequest
	script   scriptFunc
}

func (f *fakeTransport) SendMessage(ctx context.Context, req datatypes.PostChatRequest, onDelta func(string)) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	script := f.script
	f.mu.Unlock()
	return script(ctx, req, onDelta)
}

func (f *fakeTransport) sent() []datatypes.PostChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datatypes.PostChatRequest(nil), f.requests...)
}

func replying(fragments ...string) scriptFunc {
	return func(_ context.Context, _ datatypes.PostChatRequest, onDelta func(string)) error {
		for _, f := range fragments {
			onDelta(f)
		}
		return nil
	}
}

// untilCancelled delivers fragments, then blocks until the send is cancelled.
func untilCancelled(started chan<- struct{}, fragments ...string) scriptFunc {
	return func(ctx context.Context, _ datatypes.PostChatRequest, onDelta func(string)) error {
		for _, f := range fragments {
			onDelta(f)
		}
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) record(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, u := range r.updates {
		if len(out) == 0 || out[len(out)-1] != u.Status {
			out = append(out, u.Status)
		}
	}
	return out
}

func newTestSession(script scriptFunc) (*Session, *fakeTransport, *recorder) {
	transport := &fakeTransport{script: script}
	rec := &recorder{}
	s := NewSession(transport, SessionConfig{Model: "gpt-oss:20b", OnUpdate: rec.record})
	return s, transport, rec
}

func texts(messages []datatypes.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = string(m.Role) + ":" + m.Text()
	}
	return out
}

// =============================================================================
// Tests
// =============================================================================

func TestSession_CompletedTurn(t *testing.T) {
	s, transport, rec := newTestSession(replying("Was ", "denkst ", "du?"))

	require.NoError(t, s.Submit(context.Background(), "  Was ist Varianz?  "))

	assert.Equal(t, StatusReady, s.Status())
	assert.Equal(t, []Status{StatusSubmitted, StatusStreaming, StatusReady}, rec.statuses())
	assert.Equal(t, []string{"user:Was ist Varianz?", "assistant:Was denkst du?"}, texts(s.Messages()))

	reqs := transport.sent()
	require.Len(t, reqs, 1)
	assert.Equal(t, s.ChatID(), reqs[0].ID)
	assert.Equal(t, "gpt-oss:20b", reqs[0].SelectedChatModel)
	assert.Equal(t, datatypes.VisibilityPrivate, reqs[0].SelectedVisibilityType)
	assert.Equal(t, s.Messages()[0].ID, reqs[0].Message.ID)
	assert.NoError(t, reqs[0].Validate())
}

func TestSession_SnapshotsAreNeverMutated(t *testing.T) {
	s, _, rec := newTestSession(replying("a", "b", "c"))
	require.NoError(t, s.Submit(context.Background(), "hallo"))

	var seen []string
	for _, u := range rec.updates {
		if u.Status == StatusStreaming {
			seen = append(seen, u.Messages[len(u.Messages)-1].Text())
		}
	}
	assert.Equal(t, []string{"a", "ab", "abc"}, seen)

	deltas := ""
	for _, u := range rec.updates {
		deltas += u.Delta
	}
	assert.Equal(t, "abc", deltas)
}

func TestSession_ReconstructsManyFragments(t *testing.T) {
	fragments := make([]string, 300)
	for i := range fragments {
		fragments[i] = fmt.Sprintf("%d ", i)
	}
	s, _, _ := newTestSession(replying(fragments...))
	require.NoError(t, s.Submit(context.Background(), "zähl"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, strings.Join(fragments, ""), msgs[1].Text())
}

func TestSession_Cancel(t *testing.T) {
	tests := []struct {
		name      string
		fragments []string
		want      []string
	}{
		{"before first fragment", nil, []string{"user:frage"}},
		{"after two fragments", []string{"Teil ", "eins"}, []string{"user:frage", "assistant:Teil eins"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			started := make(chan struct{})
			s, _, _ := newTestSession(untilCancelled(started, tt.fragments...))

			errCh := make(chan error, 1)
			go func() { errCh <- s.Submit(context.Background(), "frage") }()

			<-started
			assert.True(t, s.Status().Busy())
			s.Cancel()

			select {
			case err := <-errCh:
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(2 * time.Second):
				t.Fatal("Submit did not return after Cancel")
			}
			assert.Equal(t, StatusReady, s.Status())
			assert.NoError(t, s.Err())
			assert.Equal(t, tt.want, texts(s.Messages()))
		})
	}
}

func TestSession_CancelWhenIdleIsNoop(t *testing.T) {
	s, _, rec := newTestSession(replying("x"))
	s.Cancel()
	assert.Equal(t, StatusReady, s.Status())
	assert.Empty(t, rec.updates)
}

func TestSession_StreamFailureRemovesPartialReply(t *testing.T) {
	failure := fmt.Errorf("%w: %s", ErrStreamFailed, datatypes.StreamFailedMessage)
	s, _, rec := newTestSession(func(_ context.Context, _ datatypes.PostChatRequest, onDelta func(string)) error {
		onDelta("Halb")
		return failure
	})

	err := s.Submit(context.Background(), "frage")
	assert.ErrorIs(t, err, ErrStreamFailed)
	assert.Equal(t, StatusError, s.Status())
	assert.ErrorIs(t, s.Err(), ErrStreamFailed)
	assert.Equal(t, []string{"user:frage"}, texts(s.Messages()))

	last := rec.updates[len(rec.updates)-1]
	assert.Equal(t, StatusError, last.Status)
	assert.ErrorIs(t, last.Err, ErrStreamFailed)

	assert.ErrorIs(t, s.Submit(context.Background(), "nochmal"), ErrBusy)
	s.Acknowledge()
	assert.Equal(t, StatusReady, s.Status())
	assert.NoError(t, s.Err())
}

func TestSession_RequestRejected(t *testing.T) {
	apiErr := &APIError{Status: 429, Code: "rate_limit:chat", Kind: datatypes.KindRateLimit}
	s, _, rec := newTestSession(func(context.Context, datatypes.PostChatRequest, func(string)) error {
		return apiErr
	})

	err := s.Submit(context.Background(), "frage")
	assert.ErrorIs(t, err, apiErr)
	assert.Equal(t, []Status{StatusSubmitted, StatusError}, rec.statuses())
	assert.Equal(t, []string{"user:frage"}, texts(s.Messages()))
}

func TestSession_BusyWhileStreaming(t *testing.T) {
	started := make(chan struct{})
	s, _, _ := newTestSession(untilCancelled(started, "x"))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Submit(context.Background(), "eins") }()
	<-started

	assert.Equal(t, StatusStreaming, s.Status())
	assert.ErrorIs(t, s.Submit(context.Background(), "zwei"), ErrBusy)
	assert.ErrorIs(t, s.Regenerate(context.Background()), ErrBusy)
	assert.ErrorIs(t, s.Reset(""), ErrBusy)

	s.Cancel()
	<-errCh
}

func TestSession_EmptyMessage(t *testing.T) {
	s, transport, _ := newTestSession(replying("x"))
	assert.ErrorIs(t, s.Submit(context.Background(), " \n\t"), ErrEmptyMessage)
	assert.Empty(t, transport.sent())
}

func TestSession_Regenerate(t *testing.T) {
	replies := []string{"erste Antwort", "zweite Antwort"}
	call := 0
	s, transport, _ := newTestSession(func(_ context.Context, _ datatypes.PostChatRequest, onDelta func(string)) error {
		onDelta(replies[call])
		call++
		return nil
	})

	require.NoError(t, s.Submit(context.Background(), "frage"))
	target, ok := s.LastUserMessage()
	require.True(t, ok)

	require.NoError(t, s.Regenerate(context.Background()))
	assert.Equal(t, []string{"user:frage", "assistant:zweite Antwort"}, texts(s.Messages()))

	reqs := transport.sent()
	require.Len(t, reqs, 2)
	assert.Equal(t, target.ID, reqs[1].Message.ID)
	assert.Equal(t, reqs[0].ID, reqs[1].ID)
	assert.Equal(t, "frage", reqs[1].Text())
}

func TestSession_RegenerateAfterFailure(t *testing.T) {
	fail := true
	s, _, _ := newTestSession(func(_ context.Context, _ datatypes.PostChatRequest, onDelta func(string)) error {
		if fail {
			return ErrStreamFailed
		}
		onDelta("ok")
		return nil
	})

	require.Error(t, s.Submit(context.Background(), "frage"))
	s.Acknowledge()
	fail = false
	require.NoError(t, s.Regenerate(context.Background()))
	assert.Equal(t, []string{"user:frage", "assistant:ok"}, texts(s.Messages()))
}

func TestSession_RegenerateWithoutUserTurn(t *testing.T) {
	s, _, _ := newTestSession(replying("x"))
	assert.ErrorIs(t, s.Regenerate(context.Background()), ErrNothingToRegenerate)
}

func TestSession_ResetAndRestore(t *testing.T) {
	s, _, _ := newTestSession(replying("x"))
	first := s.ChatID()
	require.NoError(t, s.Submit(context.Background(), "frage"))

	require.NoError(t, s.Reset(""))
	assert.NotEqual(t, first, s.ChatID())
	assert.Empty(t, s.Messages())

	stored := []datatypes.Message{
		{ID: uuid.NewString(), ChatID: first, Role: datatypes.RoleUser, Parts: []datatypes.Part{{Type: "text", Text: "alt"}}},
	}
	require.NoError(t, s.Restore(first, stored))
	assert.Equal(t, first, s.ChatID())
	assert.Equal(t, []string{"user:alt"}, texts(s.Messages()))

	stored[0].Parts = nil
	assert.Equal(t, []string{"user:alt"}, texts(s.Messages()), "Restore copies its input")
}
