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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

// Key layout:
//
//	chat/<chatID>                         -> datatypes.Chat
//	uchat/<userID>/<chatID>               -> empty (owner index)
//	msg/<chatID>/<unixNano>/<seq>         -> datatypes.Message
//	msgidx/<messageID>                    -> message key
//	stream/<chatID>/<unixNano>/<streamID> -> datatypes.StreamRecord
//
// Timestamps and sequence numbers are zero padded so lexical key order is
// chronological order.
const (
	prefixChat     = "chat/"
	prefixUserChat = "uchat/"
	prefixMessage  = "msg/"
	prefixMsgIndex = "msgidx/"
	prefixStream   = "stream/"

	messageSeqKey  = "seq/messages"
	seqBandwidth   = 256
	maxTxnAttempts = 5
)

// BadgerStore is a MessageStore backed by an embedded BadgerDB.
type BadgerStore struct {
	db       *badger.DB
	seq      *badger.Sequence
	gc       *gcRunner
	path     string
	inMemory bool
}

// NewBadgerStore opens (or creates) the database described by cfg.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte(messageSeqKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("allocate message sequence: %w", err)
	}
	s := &BadgerStore{db: db, seq: seq, path: cfg.Path, inMemory: cfg.InMemory}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			seq.Release()
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.start()
	}
	return s, nil
}

// Path returns the database directory, or "" for in-memory stores.
func (s *BadgerStore) Path() string {
	return s.path
}

// Close stops GC, releases the sequence lease, and closes the database.
func (s *BadgerStore) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	if err := s.seq.Release(); err != nil {
		return errors.Join(fmt.Errorf("release sequence: %w", err), s.db.Close())
	}
	return s.db.Close()
}

// =============================================================================
// Chats
// =============================================================================

func (s *BadgerStore) GetChat(ctx context.Context, id string) (*datatypes.Chat, error) {
	var chat datatypes.Chat
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		return getJSON(txn, chatKey(id), &chat)
	})
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", id, err)
	}
	return &chat, nil
}

func (s *BadgerStore) CreateChat(ctx context.Context, id, ownerID, title string,
	visibility datatypes.Visibility) (*datatypes.Chat, error) {

	chat := datatypes.Chat{
		ID:         id,
		UserID:     ownerID,
		Title:      title,
		Visibility: visibility,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		if exists, err := keyExists(txn, chatKey(id)); err != nil {
			return err
		} else if exists {
			return ErrConflict
		}
		if err := setJSON(txn, chatKey(id), chat); err != nil {
			return err
		}
		return txn.Set(userChatKey(ownerID, id), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", id, err)
	}
	return &chat, nil
}

func (s *BadgerStore) DeleteChat(ctx context.Context, id string) (*datatypes.Chat, error) {
	var chat datatypes.Chat
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, chatKey(id), &chat); err != nil {
			return err
		}
		messages, keys, err := scanMessages(txn, id, time.Time{})
		if err != nil {
			return err
		}
		for i, m := range messages {
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
			if err := txn.Delete(msgIndexKey(m.ID)); err != nil {
				return err
			}
		}
		streamKeys, err := scanKeys(txn, []byte(prefixStream+id+"/"))
		if err != nil {
			return err
		}
		for _, k := range streamKeys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		if err := txn.Delete(userChatKey(chat.UserID, id)); err != nil {
			return err
		}
		return txn.Delete(chatKey(id))
	})
	if err != nil {
		return nil, fmt.Errorf("delete chat %s: %w", id, err)
	}
	return &chat, nil
}

func (s *BadgerStore) ListChatsByUser(ctx context.Context, userID string, limit int) ([]datatypes.Chat, error) {
	var chats []datatypes.Chat
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		ids, err := s.userChatIDs(txn, userID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			var chat datatypes.Chat
			if err := getJSON(txn, chatKey(id), &chat); err != nil {
				return err
			}
			chats = append(chats, chat)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chats for %s: %w", userID, err)
	}
	return newestFirst(chats, limit), nil
}

func (s *BadgerStore) UpdateChatVisibility(ctx context.Context, id string, visibility datatypes.Visibility) error {
	return s.mutateChat(ctx, id, func(chat *datatypes.Chat) {
		chat.Visibility = visibility
	})
}

func (s *BadgerStore) UpdateChatUsage(ctx context.Context, chatID string, usage datatypes.Usage) error {
	return s.mutateChat(ctx, chatID, func(chat *datatypes.Chat) {
		chat.LastContext = &usage
	})
}

func (s *BadgerStore) mutateChat(ctx context.Context, id string, mutate func(*datatypes.Chat)) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		var chat datatypes.Chat
		if err := getJSON(txn, chatKey(id), &chat); err != nil {
			return err
		}
		mutate(&chat)
		return setJSON(txn, chatKey(id), chat)
	})
	if err != nil {
		return fmt.Errorf("update chat %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// Messages
// =============================================================================

func (s *BadgerStore) GetMessagesByChat(ctx context.Context, chatID string) ([]datatypes.Message, error) {
	var messages []datatypes.Message
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		var err error
		messages, _, err = scanMessages(txn, chatID, time.Time{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("messages of chat %s: %w", chatID, err)
	}
	if messages == nil {
		messages = []datatypes.Message{}
	}
	return messages, nil
}

func (s *BadgerStore) GetMessage(ctx context.Context, id string) (*datatypes.Message, error) {
	var m datatypes.Message
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		item, err := txn.Get(msgIndexKey(id))
		if err != nil {
			return translate(err)
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, key, &m)
	})
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return &m, nil
}

func (s *BadgerStore) AppendMessages(ctx context.Context, messages []datatypes.Message) error {
	if err := validateMessages(messages); err != nil {
		return err
	}
	// Sequence numbers are reserved before the transaction so retries keep
	// the original insertion order.
	seqs := make([]uint64, len(messages))
	for i := range messages {
		n, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("next message sequence: %w", err)
		}
		seqs[i] = n
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		for i, m := range messages {
			m = normalize(m)
			if exists, err := keyExists(txn, chatKey(m.ChatID)); err != nil {
				return err
			} else if !exists {
				return fmt.Errorf("chat %s: %w", m.ChatID, ErrNotFound)
			}
			if exists, err := keyExists(txn, msgIndexKey(m.ID)); err != nil {
				return err
			} else if exists {
				return fmt.Errorf("message %s: %w", m.ID, ErrConflict)
			}
			key := messageKey(m.ChatID, m.CreatedAt, seqs[i])
			if err := setJSON(txn, key, m); err != nil {
				return err
			}
			if err := txn.Set(msgIndexKey(m.ID), key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	return nil
}

func (s *BadgerStore) DeleteMessagesAfter(ctx context.Context, chatID string, ts time.Time) (int, error) {
	removed := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		removed = 0
		messages, keys, err := scanMessages(txn, chatID, ts)
		if err != nil {
			return err
		}
		for i, m := range messages {
			if err := txn.Delete(keys[i]); err != nil {
				return err
			}
			if err := txn.Delete(msgIndexKey(m.ID)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete messages of chat %s: %w", chatID, err)
	}
	return removed, nil
}

func (s *BadgerStore) GetMessageCountForUser(ctx context.Context, userID string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	count := 0
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		ids, err := s.userChatIDs(txn, userID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			messages, _, err := scanMessages(txn, id, cutoff)
			if err != nil {
				return err
			}
			for _, m := range messages {
				if m.Role == datatypes.RoleUser {
					count++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count messages for %s: %w", userID, err)
	}
	return count, nil
}

// =============================================================================
// Stream ids
// =============================================================================

func (s *BadgerStore) CreateStreamID(ctx context.Context, streamID, chatID string) error {
	rec := datatypes.StreamRecord{ID: streamID, ChatID: chatID, CreatedAt: time.Now().UTC()}
	err := s.update(ctx, func(txn *badger.Txn) error {
		if exists, err := keyExists(txn, chatKey(chatID)); err != nil {
			return err
		} else if !exists {
			return ErrNotFound
		}
		return setJSON(txn, streamKey(chatID, rec.CreatedAt, streamID), rec)
	})
	if err != nil {
		return fmt.Errorf("create stream %s for chat %s: %w", streamID, chatID, err)
	}
	return nil
}

func (s *BadgerStore) GetStreamIDsByChat(ctx context.Context, chatID string) ([]string, error) {
	ids := []string{}
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		keys, err := scanKeys(txn, []byte(prefixStream+chatID+"/"))
		if err != nil {
			return err
		}
		for _, k := range keys {
			ks := string(k)
			ids = append(ids, ks[strings.LastIndexByte(ks, '/')+1:])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("streams of chat %s: %w", chatID, err)
	}
	return ids, nil
}

// =============================================================================
// Helpers
// =============================================================================

// update retries fn when a concurrent transaction touched the same keys.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err = withTxn(ctx, s.db, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *BadgerStore) userChatIDs(txn *badger.Txn, userID string) ([]string, error) {
	prefix := []byte(prefixUserChat + userID + "/")
	keys, err := scanKeys(txn, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids, nil
}

// scanMessages returns the chat's messages created at or after from, in key
// order, together with their keys.
func scanMessages(txn *badger.Txn, chatID string, from time.Time) ([]datatypes.Message, [][]byte, error) {
	prefix := []byte(prefixMessage + chatID + "/")
	start := prefix
	if !from.IsZero() {
		start = append([]byte(string(prefix)), timeSegment(from)...)
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var messages []datatypes.Message
	var keys [][]byte
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var m datatypes.Message
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		}); err != nil {
			return nil, nil, fmt.Errorf("decode message %s: %w", item.Key(), err)
		}
		messages = append(messages, m)
		keys = append(keys, item.KeyCopy(nil))
	}
	return messages, keys, nil
}

func scanKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return translate(err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func translate(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

func timeSegment(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func chatKey(id string) []byte {
	return []byte(prefixChat + id)
}

func userChatKey(userID, chatID string) []byte {
	return []byte(prefixUserChat + userID + "/" + chatID)
}

func messageKey(chatID string, createdAt time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%020d", prefixMessage, chatID, timeSegment(createdAt), seq))
}

func msgIndexKey(id string) []byte {
	return []byte(prefixMsgIndex + id)
}

func streamKey(chatID string, createdAt time.Time, streamID string) []byte {
	return []byte(prefixStream + chatID + "/" + timeSegment(createdAt) + "/" + streamID)
}

var _ MessageStore = (*BadgerStore)(nil)
