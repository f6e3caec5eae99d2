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
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianTutor/services/tutor/datatypes"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chats (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	title        TEXT NOT NULL,
	visibility   TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	last_context TEXT
);
CREATE INDEX IF NOT EXISTS chats_user_idx ON chats (user_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	chat_id     TEXT NOT NULL REFERENCES chats (id),
	role        TEXT NOT NULL,
	parts       TEXT NOT NULL,
	attachments TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_chat_idx ON messages (chat_id, created_at, seq);

CREATE TABLE IF NOT EXISTS streams (
	id         TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL REFERENCES chats (id),
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS streams_chat_idx ON streams (chat_id, created_at);
`

// SQLStore is a MessageStore backed by SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (or creates) the SQLite database at dbPath.
func NewSQLStore(dbPath string) (*SQLStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, errors.Wrapf(err, "creating database directory %s", dir)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY
	// between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}
	return &SQLStore{db: db}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Chats
// =============================================================================

const chatColumns = `id, user_id, title, visibility, created_at, last_context`

func (s *SQLStore) GetChat(ctx context.Context, id string) (*datatypes.Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
	chat, err := scanChat(row)
	if err != nil {
		return nil, errors.Wrapf(err, "chat %s", id)
	}
	return chat, nil
}

func (s *SQLStore) CreateChat(ctx context.Context, id, ownerID, title string,
	visibility datatypes.Visibility) (*datatypes.Chat, error) {

	chat := datatypes.Chat{
		ID:         id,
		UserID:     ownerID,
		Title:      title,
		Visibility: visibility,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, title, visibility, created_at) VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.UserID, chat.Title, string(chat.Visibility), chat.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(ErrConflict, "chat %s", id)
		}
		return nil, errors.Wrap(err, "inserting chat")
	}
	return &chat, nil
}

func (s *SQLStore) DeleteChat(ctx context.Context, id string) (*datatypes.Chat, error) {
	var chat *datatypes.Chat
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		chat, err = scanChat(tx.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
		if err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM messages WHERE chat_id = ?`,
			`DELETE FROM streams WHERE chat_id = ?`,
			`DELETE FROM chats WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return errors.Wrap(err, "cascading chat delete")
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "delete chat %s", id)
	}
	return chat, nil
}

func (s *SQLStore) ListChatsByUser(ctx context.Context, userID string, limit int) ([]datatypes.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE user_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing chats")
	}
	defer rows.Close()

	chats := []datatypes.Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *chat)
	}
	return chats, errors.Wrap(rows.Err(), "iterating chats")
}

func (s *SQLStore) UpdateChatVisibility(ctx context.Context, id string, visibility datatypes.Visibility) error {
	return s.execOnChat(ctx, id, `UPDATE chats SET visibility = ? WHERE id = ?`, string(visibility), id)
}

func (s *SQLStore) UpdateChatUsage(ctx context.Context, chatID string, usage datatypes.Usage) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return errors.Wrap(err, "encoding usage")
	}
	return s.execOnChat(ctx, chatID, `UPDATE chats SET last_context = ? WHERE id = ?`, string(data), chatID)
}

func (s *SQLStore) execOnChat(ctx context.Context, id, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return errors.Wrapf(err, "updating chat %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrNotFound, "chat %s", id)
	}
	return nil
}

// =============================================================================
// Messages
// =============================================================================

const messageColumns = `id, chat_id, role, parts, attachments, created_at`

func (s *SQLStore) GetMessagesByChat(ctx context.Context, chatID string) ([]datatypes.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY created_at, seq`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	defer rows.Close()

	messages := []datatypes.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, errors.Wrap(rows.Err(), "iterating messages")
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*datatypes.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, errors.Wrapf(err, "message %s", id)
	}
	return m, nil
}

func (s *SQLStore) AppendMessages(ctx context.Context, messages []datatypes.Message) error {
	if err := validateMessages(messages); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range messages {
			m = normalize(m)
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM chats WHERE id = ?`, m.ChatID).Scan(&exists)
			if err != nil {
				return errors.Wrap(err, "checking chat")
			}
			if exists == 0 {
				return errors.Wrapf(ErrNotFound, "chat %s", m.ChatID)
			}
			parts, err := json.Marshal(m.Parts)
			if err != nil {
				return errors.Wrap(err, "encoding parts")
			}
			attachments, err := json.Marshal(m.Attachments)
			if err != nil {
				return errors.Wrap(err, "encoding attachments")
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO messages (id, chat_id, role, parts, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				m.ID, m.ChatID, string(m.Role), string(parts), string(attachments), m.CreatedAt.UnixNano())
			if err != nil {
				if isUniqueViolation(err) {
					return errors.Wrapf(ErrConflict, "message %s", m.ID)
				}
				return errors.Wrap(err, "inserting message")
			}
		}
		return nil
	})
}

func (s *SQLStore) DeleteMessagesAfter(ctx context.Context, chatID string, ts time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND created_at >= ?`, chatID, ts.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "deleting messages")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting deleted messages")
	}
	return int(n), nil
}

func (s *SQLStore) GetMessageCountForUser(ctx context.Context, userID string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UnixNano()
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(m.id)
		FROM messages m JOIN chats c ON c.id = m.chat_id
		WHERE c.user_id = ? AND m.role = 'user' AND m.created_at >= ?`,
		userID, cutoff).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "counting messages")
	}
	return count, nil
}

// =============================================================================
// Stream ids
// =============================================================================

func (s *SQLStore) CreateStreamID(ctx context.Context, streamID, chatID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM chats WHERE id = ?`, chatID).Scan(&exists); err != nil {
			return errors.Wrap(err, "checking chat")
		}
		if exists == 0 {
			return errors.Wrapf(ErrNotFound, "chat %s", chatID)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO streams (id, chat_id, created_at) VALUES (?, ?, ?)`,
			streamID, chatID, time.Now().UnixNano())
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Wrapf(ErrConflict, "stream %s", streamID)
			}
			return errors.Wrap(err, "inserting stream")
		}
		return nil
	})
}

func (s *SQLStore) GetStreamIDsByChat(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM streams WHERE chat_id = ? ORDER BY created_at, rowid`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "querying streams")
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning stream id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterating streams")
}

// =============================================================================
// Helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func scanChat(row rowScanner) (*datatypes.Chat, error) {
	var (
		chat       datatypes.Chat
		visibility string
		createdAt  int64
		lastCtx    sql.NullString
	)
	err := row.Scan(&chat.ID, &chat.UserID, &chat.Title, &visibility, &createdAt, &lastCtx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scanning chat")
	}
	chat.Visibility = datatypes.Visibility(visibility)
	chat.CreatedAt = time.Unix(0, createdAt).UTC()
	if lastCtx.Valid && lastCtx.String != "" {
		var usage datatypes.Usage
		if err := json.Unmarshal([]byte(lastCtx.String), &usage); err != nil {
			return nil, errors.Wrap(err, "decoding usage")
		}
		chat.LastContext = &usage
	}
	return &chat, nil
}

func scanMessage(row rowScanner) (*datatypes.Message, error) {
	var (
		m           datatypes.Message
		role        string
		parts       string
		attachments string
		createdAt   int64
	)
	err := row.Scan(&m.ID, &m.ChatID, &role, &parts, &attachments, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scanning message")
	}
	m.Role = datatypes.Role(role)
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		return nil, errors.Wrap(err, "decoding parts")
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, errors.Wrap(err, "decoding attachments")
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY")
}

var _ MessageStore = (*SQLStore)(nil)
