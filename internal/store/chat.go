package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TouchChat records that chatID was opened, creating its index row if needed.
func (db *DB) TouchChat(ctx context.Context, chatID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, opened_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			opened_at = excluded.opened_at`,
		chatID, now, now)
	return err
}

// ListChats returns known chats, most recently active first.
func (db *DB) ListChats(ctx context.Context, limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT chat_id, message_count, max_message_id, pending_count,
			last_message_at, last_message_preview, opened_at, updated_at
		FROM chats
		ORDER BY last_message_at DESC, opened_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := scanChat(rows, &c); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat, or nil if it is unknown.
func (db *DB) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var c Chat
	row := db.QueryRowContext(ctx, `
		SELECT chat_id, message_count, max_message_id, pending_count,
			last_message_at, last_message_preview, opened_at, updated_at
		FROM chats WHERE chat_id = ?`, chatID)
	err := scanChat(row, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(s scanner, c *Chat) error {
	return s.Scan(&c.ID, &c.MessageCount, &c.MaxMessageID, &c.PendingCount,
		&c.LastMessageAt, &c.LastMessagePreview, &c.OpenedAt, &c.UpdatedAt)
}
