package snapshot

import (
	"context"

	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/store"
)

// SQLite keeps snapshots in the profile database.
type SQLite struct {
	db *store.DB
}

func NewSQLite(db *store.DB) *SQLite {
	return &SQLite{db: db}
}

func (c *SQLite) Load(ctx context.Context, chatID int64) ([]messages.Message, error) {
	s, err := c.db.GetSnapshot(ctx, chatID)
	if err != nil || s == nil {
		return nil, err
	}
	return decode(s.Payload)
}

func (c *SQLite) Save(ctx context.Context, chatID int64, msgs []messages.Message) error {
	payload, err := encode(msgs)
	if err != nil {
		return err
	}
	return c.db.PutSnapshot(ctx, store.Snapshot{
		ChatID:  chatID,
		Payload: payload,
		Summary: summarize(msgs),
	})
}

func (c *SQLite) Delete(ctx context.Context, chatID int64) error {
	return c.db.DeleteSnapshot(ctx, chatID)
}

// summarize builds the chat index row for msgs.
func summarize(msgs []messages.Message) store.Chat {
	c := store.Chat{MessageCount: len(msgs)}
	for _, m := range msgs {
		if !m.Confirmed() {
			c.PendingCount++
			continue
		}
		if m.ID > c.MaxMessageID {
			c.MaxMessageID = m.ID
		}
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		c.LastMessagePreview = last.Content
		if !last.SentAt.IsZero() {
			c.LastMessageAt = last.SentAt.UnixMilli()
		}
	}
	return c
}
