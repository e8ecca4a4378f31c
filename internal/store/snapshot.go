package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutSnapshot overwrites the snapshot of s.ChatID and refreshes its chat
// index row in one transaction.
func (db *DB) PutSnapshot(ctx context.Context, s Snapshot) error {
	now := time.Now().UnixMilli()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (chat_id, payload, message_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			payload = excluded.payload,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		s.ChatID, s.Payload, s.Summary.MessageCount, now); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	c := s.Summary
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (chat_id, message_count, max_message_id, pending_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			message_count = excluded.message_count,
			max_message_id = excluded.max_message_id,
			pending_count = excluded.pending_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		s.ChatID, c.MessageCount, c.MaxMessageID, c.PendingCount, c.LastMessageAt, truncate(c.LastMessagePreview, 100), now); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the stored snapshot of chatID, or nil if there is none.
func (db *DB) GetSnapshot(ctx context.Context, chatID int64) (*Snapshot, error) {
	s := Snapshot{ChatID: chatID}
	err := db.QueryRowContext(ctx, `
		SELECT payload, message_count, updated_at FROM snapshots WHERE chat_id = ?`, chatID).
		Scan(&s.Payload, &s.Summary.MessageCount, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &s, nil
}

// DeleteSnapshot removes the snapshot and the index row of chatID.
func (db *DB) DeleteSnapshot(ctx context.Context, chatID int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return tx.Commit()
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
