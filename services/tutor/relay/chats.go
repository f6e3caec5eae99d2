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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianTutor/pkg/extensions"
	"github.com/AleutianAI/AleutianTutor/services/llm"
	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
	"github.com/AleutianAI/AleutianTutor/services/tutor/store"
)

// ErrNothingToResume is returned by Resume when the chat has no stream a
// client can attach to.
var ErrNothingToResume = errors.New("no resumable stream")

// DefaultHistoryLimit caps ListHistory when no limit is given.
const DefaultHistoryLimit = 50

// MaxHistoryLimit is the largest accepted history page.
const MaxHistoryLimit = 200

// DeleteChat removes a chat owned by user, cascading to its messages and
// stream ids, and returns the deleted record.
//
// A missing chat is reported as forbidden:chat, the same as a foreign one,
// so callers cannot discover chat ids.
func (r *Relay) DeleteChat(ctx context.Context, user *extensions.AuthInfo, chatID string) (*datatypes.Chat, error) {
	if chatID == "" {
		return nil, datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceAPI)
	}
	if user == nil {
		return nil, datatypes.NewChatError(datatypes.KindUnauthorized, datatypes.SurfaceChat)
	}
	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, offline(fmt.Errorf("load chat: %w", err))
	}
	if chat == nil || chat.UserID != user.UserID {
		return nil, datatypes.NewChatError(datatypes.KindForbidden, datatypes.SurfaceChat)
	}

	deleted, err := r.store.DeleteChat(ctx, chatID)
	if err != nil {
		return nil, offline(fmt.Errorf("delete chat: %w", err))
	}
	r.logAudit(ctx, extensions.AuditEvent{
		EventType:    "chat.delete",
		UserID:       user.UserID,
		ResourceType: "chat",
		ResourceID:   chatID,
		Outcome:      "success",
	})
	return deleted, nil
}

// UpdateVisibility changes the visibility of a chat owned by user.
func (r *Relay) UpdateVisibility(ctx context.Context, user *extensions.AuthInfo, chatID string, req datatypes.UpdateVisibilityRequest) error {
	if err := datatypes.ValidateChatID(chatID); err != nil {
		return datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceAPI).Wrap(err)
	}
	if err := req.Validate(); err != nil {
		return datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceAPI).Wrap(err)
	}
	if user == nil {
		return datatypes.NewChatError(datatypes.KindUnauthorized, datatypes.SurfaceChat)
	}
	if _, err := r.ownedChat(ctx, user, chatID); err != nil {
		return err
	}
	if err := r.store.UpdateChatVisibility(ctx, chatID, req.Visibility); err != nil {
		return offline(fmt.Errorf("update visibility: %w", err))
	}
	r.logAudit(ctx, extensions.AuditEvent{
		EventType:    "chat.visibility",
		UserID:       user.UserID,
		ResourceType: "chat",
		ResourceID:   chatID,
		Outcome:      "success",
		Metadata:     map[string]any{"visibility": string(req.Visibility)},
	})
	return nil
}

// DeleteTrailingMessages removes the message messageID and every message
// of its chat created at or after it. It returns the number removed.
func (r *Relay) DeleteTrailingMessages(ctx context.Context, user *extensions.AuthInfo, messageID string) (int, error) {
	if err := datatypes.ValidateChatID(messageID); err != nil {
		return 0, datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceAPI).Wrap(err)
	}
	if user == nil {
		return 0, datatypes.NewChatError(datatypes.KindUnauthorized, datatypes.SurfaceChat)
	}
	msg, err := r.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, datatypes.NewChatError(datatypes.KindNotFound, datatypes.SurfaceChat)
	}
	if err != nil {
		return 0, offline(fmt.Errorf("load message: %w", err))
	}
	if _, err := r.ownedChat(ctx, user, msg.ChatID); err != nil {
		return 0, err
	}

	removed, err := r.store.DeleteMessagesAfter(ctx, msg.ChatID, msg.CreatedAt)
	if err != nil {
		return 0, offline(fmt.Errorf("delete trailing messages: %w", err))
	}
	r.logAudit(ctx, extensions.AuditEvent{
		EventType:    "message.truncate",
		UserID:       user.UserID,
		ResourceType: "message",
		ResourceID:   messageID,
		Outcome:      "success",
		Metadata:     map[string]any{"chat_id": msg.ChatID, "removed": removed},
	})
	return removed, nil
}

// ListHistory returns the user's chats, newest first. limit <= 0 selects
// DefaultHistoryLimit; larger than MaxHistoryLimit is a bad request.
func (r *Relay) ListHistory(ctx context.Context, user *extensions.AuthInfo, limit int) ([]datatypes.Chat, error) {
	if limit > MaxHistoryLimit {
		return nil, datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceHistory)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if user == nil {
		return nil, datatypes.NewChatError(datatypes.KindUnauthorized, datatypes.SurfaceHistory)
	}
	chats, err := r.store.ListChatsByUser(ctx, user.UserID, limit)
	if err != nil {
		return nil, datatypes.NewChatError(datatypes.KindOffline, datatypes.SurfaceHistory).Wrap(err)
	}
	return chats, nil
}

// GetMessages returns a chat's messages to its owner, or to any
// authenticated user when the chat is public.
func (r *Relay) GetMessages(ctx context.Context, user *extensions.AuthInfo, chatID string) ([]datatypes.Message, error) {
	if _, err := r.readableChat(ctx, user, chatID); err != nil {
		return nil, err
	}
	msgs, err := r.store.GetMessagesByChat(ctx, chatID)
	if err != nil {
		return nil, offline(fmt.Errorf("load messages: %w", err))
	}
	return msgs, nil
}

// Resume attaches to the most recent stream of a chat.
//
// # Description
//
// The returned stream replays every fragment buffered so far and then
// follows live output until the producing turn ends. Access follows
// GetMessages. ErrNothingToResume is returned when the chat never
// streamed, the registry is unavailable, or the stream has expired.
func (r *Relay) Resume(ctx context.Context, user *extensions.AuthInfo, chatID string) (llm.FragmentStream, error) {
	if _, err := r.readableChat(ctx, user, chatID); err != nil {
		return nil, err
	}
	ids, err := r.store.GetStreamIDsByChat(ctx, chatID)
	if err != nil {
		return nil, offline(fmt.Errorf("load stream ids: %w", err))
	}
	if len(ids) == 0 {
		return nil, ErrNothingToResume
	}

	reg, err := r.registry()
	if err != nil {
		slog.Debug("Resume requested without registry", "chat_id", chatID, "reason", err)
		return nil, ErrNothingToResume
	}
	streamID := ids[len(ids)-1]
	stream, err := reg.Attach(ctx, streamID)
	if err != nil {
		slog.Debug("Stream not resumable", "chat_id", chatID, "stream_id", streamID, "reason", err)
		return nil, ErrNothingToResume
	}
	return stream, nil
}

// ownedChat loads chatID and requires user to own it.
func (r *Relay) ownedChat(ctx context.Context, user *extensions.AuthInfo, chatID string) (*datatypes.Chat, error) {
	chat, err := r.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, datatypes.NewChatError(datatypes.KindNotFound, datatypes.SurfaceChat)
	}
	if err != nil {
		return nil, offline(fmt.Errorf("load chat: %w", err))
	}
	if chat.UserID != user.UserID {
		return nil, datatypes.NewChatError(datatypes.KindForbidden, datatypes.SurfaceChat)
	}
	return chat, nil
}

// readableChat loads chatID for reading: owners always, others only when
// the chat is public.
func (r *Relay) readableChat(ctx context.Context, user *extensions.AuthInfo, chatID string) (*datatypes.Chat, error) {
	if err := datatypes.ValidateChatID(chatID); err != nil {
		return nil, datatypes.NewChatError(datatypes.KindBadRequest, datatypes.SurfaceAPI).Wrap(err)
	}
	if user == nil {
		return nil, datatypes.NewChatError(datatypes.KindUnauthorized, datatypes.SurfaceChat)
	}
	chat, err := r.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, datatypes.NewChatError(datatypes.KindNotFound, datatypes.SurfaceChat)
	}
	if err != nil {
		return nil, offline(fmt.Errorf("load chat: %w", err))
	}
	if chat.Visibility != datatypes.VisibilityPublic && chat.UserID != user.UserID {
		return nil, datatypes.NewChatError(datatypes.KindForbidden, datatypes.SurfaceChat)
	}
	return chat, nil
}
