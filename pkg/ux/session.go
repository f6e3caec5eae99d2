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
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// =============================================================================
// Status
// =============================================================================

// Status is the session's position in the send cycle:
//
//	ready --Submit--> submitted --first delta--> streaming --[DONE]--> ready
//	submitted|streaming --Cancel--> ready
//	submitted|streaming --failure--> error --Acknowledge--> ready
type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// Busy reports whether a reply is in flight.
func (s Status) Busy() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

var (
	// ErrBusy is returned when an operation needs StatusReady.
	ErrBusy = errors.New("a reply is already in progress")

	// ErrEmptyMessage rejects blank input before any request is made.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNothingToRegenerate means the view holds no user turn.
	ErrNothingToRegenerate = errors.New("no user message to regenerate")
)

// Update is published after every state or view change.
//
// Messages is an immutable snapshot: the session never writes to a slice
// or message it has published, so observers may keep it.
type Update struct {
	Status   Status
	Messages []datatypes.Message
	Delta    string
	Err      error
}

// =============================================================================
// Session
// =============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// ChatID continues an existing chat. Empty starts a new one.
	ChatID string

	// Model is sent as selectedChatModel.
	Model string

	// Visibility applies when the server creates the chat. Default private.
	Visibility datatypes.Visibility

	// OnUpdate is called synchronously, outside the session lock, in the
	// order changes happen.
	OnUpdate func(Update)
}

// Session is the client-side controller for one conversation.
//
// # Description
//
// Session owns the conversation view and the cancellation handle of the
// in-flight send. Submit and Regenerate block until the reply ends; Cancel
// may be called from any goroutine. Each delta replaces the trailing
// assistant message with an extended copy, so a published snapshot never
// changes under its reader.
//
// # Limitations
//
// The view is a projection. It is not reconciled with the server after
// failures; reload it with Restore when that matters.
//
// # Assumptions
//
// One Session per terminal or tab. Thread-safe.
type Session struct {
	transport  Transport
	model      string
	visibility datatypes.Visibility
	onUpdate   func(Update)

	mu       sync.Mutex
	status   Status
	chatID   string
	messages []datatypes.Message
	cancel   context.CancelFunc
	err      error
}

// NewSession creates a ready Session.
func NewSession(transport Transport, cfg SessionConfig) *Session {
	if cfg.ChatID == "" {
		cfg.ChatID = uuid.NewString()
	}
	if cfg.Visibility == "" {
		cfg.Visibility = datatypes.VisibilityPrivate
	}
	return &Session{
		transport:  transport,
		model:      cfg.Model,
		visibility: cfg.Visibility,
		onUpdate:   cfg.OnUpdate,
		status:     StatusReady,
		chatID:     cfg.ChatID,
	}
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ChatID returns the active chat id.
func (s *Session) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// Messages returns the current view snapshot. Do not modify it.
func (s *Session) Messages() []datatypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// Err returns the failure that moved the session to StatusError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastUserMessage returns the most recent user turn in the view.
func (s *Session) LastUserMessage() (datatypes.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := lastUserIndex(s.messages); i >= 0 {
		return s.messages[i], true
	}
	return datatypes.Message{}, false
}

// Submit sends text as a new user turn and blocks until the reply ends.
//
// # Outputs
//
//   - nil when the reply completed.
//   - context.Canceled when Cancel (or ctx) stopped it. The partial reply
//     stays in the view and the session is ready again.
//   - ErrBusy or ErrEmptyMessage without any request.
//   - Any other error leaves the session in StatusError with the
//     in-progress assistant message removed.
func (s *Session) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	msg := datatypes.Message{
		ID:        uuid.NewString(),
		Role:      datatypes.RoleUser,
		Parts:     []datatypes.Part{{Type: datatypes.PartTypeText, Text: text}},
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.status != StatusReady {
		s.mu.Unlock()
		return ErrBusy
	}
	msg.ChatID = s.chatID
	return s.sendLocked(ctx, s.messages, msg)
}

// Regenerate drops the last user turn and everything after it from the
// view and sends that turn again with the same message id.
//
// Stored messages are not touched; delete them first with
// Client.DeleteTrailingMessages when the server copy must match.
func (s *Session) Regenerate(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusReady {
		s.mu.Unlock()
		return ErrBusy
	}
	i := lastUserIndex(s.messages)
	if i < 0 {
		s.mu.Unlock()
		return ErrNothingToRegenerate
	}
	msg := s.messages[i]
	msg.CreatedAt = time.Now().UTC()
	return s.sendLocked(ctx, s.messages[:i], msg)
}

// Cancel aborts the in-flight send. It is a no-op when none is active.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Acknowledge returns an errored session to ready once the failure has
// been shown to the user.
func (s *Session) Acknowledge() {
	s.mu.Lock()
	if s.status != StatusError {
		s.mu.Unlock()
		return
	}
	s.status = StatusReady
	s.err = nil
	update := s.snapshotLocked("")
	s.mu.Unlock()
	s.publish(update)
}

// Reset clears the view and switches to chatID (a new id when empty).
func (s *Session) Reset(chatID string) error {
	return s.Restore(chatID, nil)
}

// Restore replaces the view with stored messages of chatID.
func (s *Session) Restore(chatID string, messages []datatypes.Message) error {
	if chatID == "" {
		chatID = uuid.NewString()
	}
	s.mu.Lock()
	if s.status.Busy() {
		s.mu.Unlock()
		return ErrBusy
	}
	s.chatID = chatID
	s.messages = append([]datatypes.Message(nil), messages...)
	s.status = StatusReady
	s.err = nil
	update := s.snapshotLocked("")
	s.mu.Unlock()
	s.publish(update)
	return nil
}

// =============================================================================
// Send Cycle
// =============================================================================

// sendLocked publishes the submitted state and runs the request. It is
// entered with s.mu held and releases it before any I/O.
func (s *Session) sendLocked(ctx context.Context, base []datatypes.Message, msg datatypes.Message) error {
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.messages = appendCopy(base, msg)
	s.status = StatusSubmitted
	s.cancel = cancel
	s.err = nil
	chatID := s.chatID
	update := s.snapshotLocked("")
	s.mu.Unlock()
	s.publish(update)

	req := datatypes.PostChatRequest{
		ID: chatID,
		Message: datatypes.UserMessage{
			ID:    msg.ID,
			Role:  datatypes.RoleUser,
			Parts: msg.Parts,
		},
		SelectedChatModel:      s.model,
		SelectedVisibilityType: s.visibility,
	}
	err := s.transport.SendMessage(sendCtx, req, func(delta string) {
		s.appendDelta(chatID, delta)
	})
	return s.finish(sendCtx, err)
}

// appendDelta extends the in-progress assistant message.
func (s *Session) appendDelta(chatID, delta string) {
	s.mu.Lock()
	if !s.status.Busy() || s.chatID != chatID {
		s.mu.Unlock()
		return
	}

	if s.status == StatusSubmitted {
		s.status = StatusStreaming
		s.messages = appendCopy(s.messages, datatypes.Message{
			ID:        uuid.NewString(),
			ChatID:    chatID,
			Role:      datatypes.RoleAssistant,
			Parts:     []datatypes.Part{{Type: datatypes.PartTypeText, Text: delta}},
			CreatedAt: time.Now().UTC(),
		})
	} else {
		last := len(s.messages) - 1
		next := make([]datatypes.Message, len(s.messages))
		copy(next, s.messages)
		reply := next[last]
		reply.Parts = []datatypes.Part{{Type: datatypes.PartTypeText, Text: reply.Text() + delta}}
		next[last] = reply
		s.messages = next
	}

	update := s.snapshotLocked(delta)
	s.mu.Unlock()
	s.publish(update)
}

func (s *Session) finish(sendCtx context.Context, err error) error {
	s.mu.Lock()
	s.cancel = nil

	switch {
	case err == nil:
		s.status = StatusReady
	case sendCtx.Err() != nil:
		s.status = StatusReady
		err = context.Canceled
	default:
		if s.status == StatusStreaming {
			if last := len(s.messages) - 1; last >= 0 && s.messages[last].Role == datatypes.RoleAssistant {
				s.messages = s.messages[:last:last]
			}
		}
		s.status = StatusError
		s.err = err
	}

	update := s.snapshotLocked("")
	update.Err = s.err
	s.mu.Unlock()
	s.publish(update)
	return err
}

func (s *Session) snapshotLocked(delta string) Update {
	return Update{Status: s.status, Messages: s.messages, Delta: delta}
}

func (s *Session) publish(update Update) {
	if s.onUpdate != nil {
		s.onUpdate(update)
	}
}

// appendCopy returns a new slice; base is never written to.
func appendCopy(base []datatypes.Message, msg datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, len(base), len(base)+1)
	copy(out, base)
	return append(out, msg)
}

func lastUserIndex(messages []datatypes.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == datatypes.RoleUser {
			return i
		}
	}
	return -1
}
