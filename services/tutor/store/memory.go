// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]datatypes.Chat
	messages map[string][]datatypes.Message // chat id -> ordered messages
	streams  map[string][]datatypes.StreamRecord
	msgChat  map[string]string // message id -> chat id
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]datatypes.Chat),
		messages: make(map[string][]datatypes.Message),
		streams:  make(map[string][]datatypes.StreamRecord),
		msgChat:  make(map[string]string),
	}
}

func (s *MemoryStore) GetChat(ctx context.Context, id string) (*datatypes.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	return &chat, nil
}

func (s *MemoryStore) CreateChat(ctx context.Context, id, ownerID, title string,
	visibility datatypes.Visibility) (*datatypes.Chat, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; ok {
		return nil, fmt.Errorf("chat %s: %w", id, ErrConflict)
	}
	chat := datatypes.Chat{
		ID:         id,
		UserID:     ownerID,
		Title:      title,
		Visibility: visibility,
		CreatedAt:  time.Now().UTC(),
	}
	s.chats[id] = chat
	return &chat, nil
}

func (s *MemoryStore) DeleteChat(ctx context.Context, id string) (*datatypes.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	for _, m := range s.messages[id] {
		delete(s.msgChat, m.ID)
	}
	delete(s.messages, id)
	delete(s.streams, id)
	delete(s.chats, id)
	return &chat, nil
}

func (s *MemoryStore) ListChatsByUser(ctx context.Context, userID string, limit int) ([]datatypes.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []datatypes.Chat
	for _, c := range s.chats {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return newestFirst(out, limit), nil
}

func (s *MemoryStore) UpdateChatVisibility(ctx context.Context, id string, visibility datatypes.Visibility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	chat.Visibility = visibility
	s.chats[id] = chat
	return nil
}

func (s *MemoryStore) UpdateChatUsage(ctx context.Context, chatID string, usage datatypes.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	chat.LastContext = &usage
	s.chats[chatID] = chat
	return nil
}

func (s *MemoryStore) GetMessagesByChat(ctx context.Context, chatID string) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]datatypes.Message, len(s.messages[chatID]))
	copy(out, s.messages[chatID])
	return out, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chatID, ok := s.msgChat[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	for _, m := range s.messages[chatID] {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
}

func (s *MemoryStore) AppendMessages(ctx context.Context, messages []datatypes.Message) error {
	if err := validateMessages(messages); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		if _, ok := s.chats[m.ChatID]; !ok {
			return fmt.Errorf("chat %s: %w", m.ChatID, ErrNotFound)
		}
		if _, ok := s.msgChat[m.ID]; ok {
			return fmt.Errorf("message %s: %w", m.ID, ErrConflict)
		}
	}
	for _, m := range messages {
		m = normalize(m)
		list := s.messages[m.ChatID]
		// Insert after every message with an equal or earlier timestamp.
		idx, _ := slices.BinarySearchFunc(list, m.CreatedAt, func(e datatypes.Message, t time.Time) int {
			if e.CreatedAt.After(t) {
				return 1
			}
			return -1
		})
		s.messages[m.ChatID] = slices.Insert(list, idx, m)
		s.msgChat[m.ID] = m.ChatID
	}
	return nil
}

func (s *MemoryStore) DeleteMessagesAfter(ctx context.Context, chatID string, ts time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[chatID]
	kept := list[:0:0]
	removed := 0
	for _, m := range list {
		if m.CreatedAt.Before(ts) {
			kept = append(kept, m)
			continue
		}
		delete(s.msgChat, m.ID)
		removed++
	}
	s.messages[chatID] = kept
	return removed, nil
}

func (s *MemoryStore) CreateStreamID(ctx context.Context, streamID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	for _, r := range s.streams[chatID] {
		if r.ID == streamID {
			return fmt.Errorf("stream %s: %w", streamID, ErrConflict)
		}
	}
	s.streams[chatID] = append(s.streams[chatID], datatypes.StreamRecord{
		ID:        streamID,
		ChatID:    chatID,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) GetStreamIDsByChat(ctx context.Context, chatID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.streams[chatID]))
	for _, r := range s.streams[chatID] {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *MemoryStore) GetMessageCountForUser(ctx context.Context, userID string, window time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	count := 0
	for id, chat := range s.chats {
		if chat.UserID != userID {
			continue
		}
		for _, m := range s.messages[id] {
			if m.Role == datatypes.RoleUser && !m.CreatedAt.Before(cutoff) {
				count++
			}
		}
	}
	return count, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// newestFirst sorts chats by creation time descending and applies limit.
func newestFirst(chats []datatypes.Chat, limit int) []datatypes.Chat {
	slices.SortFunc(chats, func(a, b datatypes.Chat) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}
	if chats == nil {
		chats = []datatypes.Chat{}
	}
	return chats
}

var _ MessageStore = (*MemoryStore)(nil)
