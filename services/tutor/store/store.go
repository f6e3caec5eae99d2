// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists chats, messages, stream ids and usage records.
//
// # Description
//
// MessageStore is the durable source of truth for the tutor. Three backends
// implement it:
//
//   - BadgerStore: embedded BadgerDB, the default for single-node installs.
//   - SQLStore: SQLite through modernc.org/sqlite (pure Go, no cgo).
//   - MemoryStore: process memory, for tests and throwaway dev servers.
//
// # Ordering
//
// Messages are returned ordered by creation time. Messages sharing the same
// timestamp keep their insertion order, so concurrent appends never reorder
// already-stored turns.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. Each AppendMessages call
// is atomic: either every message in the batch is stored or none is.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

var (
	// ErrNotFound is returned when a chat or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when creating a record whose id is taken.
	ErrConflict = errors.New("already exists")
)

// Backend names accepted by Open.
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// MessageStore is the persistence collaborator of the stream relay.
type MessageStore interface {
	// GetChat returns ErrNotFound when the chat does not exist.
	GetChat(ctx context.Context, id string) (*datatypes.Chat, error)

	// CreateChat returns ErrConflict when id is already taken.
	CreateChat(ctx context.Context, id, ownerID, title string, visibility datatypes.Visibility) (*datatypes.Chat, error)

	// DeleteChat removes the chat with its messages and stream ids and
	// returns the removed chat.
	DeleteChat(ctx context.Context, id string) (*datatypes.Chat, error)

	// ListChatsByUser returns the user's chats, newest first. A limit of
	// zero or less returns every chat.
	ListChatsByUser(ctx context.Context, userID string, limit int) ([]datatypes.Chat, error)

	UpdateChatVisibility(ctx context.Context, id string, visibility datatypes.Visibility) error

	// UpdateChatUsage overwrites the chat's last usage context.
	UpdateChatUsage(ctx context.Context, chatID string, usage datatypes.Usage) error

	GetMessagesByChat(ctx context.Context, chatID string) ([]datatypes.Message, error)

	GetMessage(ctx context.Context, id string) (*datatypes.Message, error)

	// AppendMessages stores the batch atomically. Every message must belong
	// to an existing chat.
	AppendMessages(ctx context.Context, messages []datatypes.Message) error

	// DeleteMessagesAfter removes every message of the chat created at or
	// after ts and returns how many were removed.
	DeleteMessagesAfter(ctx context.Context, chatID string, ts time.Time) (int, error)

	CreateStreamID(ctx context.Context, streamID, chatID string) error

	// GetStreamIDsByChat returns the chat's stream ids, oldest first.
	GetStreamIDsByChat(ctx context.Context, chatID string) ([]string, error)

	// GetMessageCountForUser counts user-role messages in the user's chats
	// created within the trailing window.
	GetMessageCountForUser(ctx context.Context, userID string, window time.Duration) (int, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// Open creates the MessageStore named by cfg.Backend.
func Open(cfg Config) (MessageStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendBadger, "":
		badgerCfg := DefaultBadgerConfig()
		badgerCfg.Path = cfg.Path
		if cfg.Path == "" {
			badgerCfg = InMemoryBadgerConfig()
		}
		return NewBadgerStore(badgerCfg)
	case BackendSQLite:
		return NewSQLStore(cfg.Path)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// validateMessages checks the fields every backend relies on.
func validateMessages(messages []datatypes.Message) error {
	seen := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		if m.ID == "" || m.ChatID == "" {
			return fmt.Errorf("message id and chat id are required")
		}
		if m.CreatedAt.IsZero() {
			return fmt.Errorf("message %s has no creation time", m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("message %s: %w", m.ID, ErrConflict)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}

// normalize gives stored messages non-nil slices so JSON output is stable.
func normalize(m datatypes.Message) datatypes.Message {
	if m.Parts == nil {
		m.Parts = []datatypes.Part{}
	}
	if m.Attachments == nil {
		m.Attachments = []datatypes.Attachment{}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m
}
