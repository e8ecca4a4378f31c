// Package snapshot persists the last known message list of each chat so a
// chat can be rendered before the network is up. There is one entry per chat
// and every save overwrites it.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chatsync/internal/messages"
)

// Cache loads and saves chat snapshots. Load returns an empty list when the
// chat has no snapshot.
type Cache interface {
	Load(ctx context.Context, chatID int64) ([]messages.Message, error)
	Save(ctx context.Context, chatID int64, msgs []messages.Message) error
	Delete(ctx context.Context, chatID int64) error
}

func encode(msgs []messages.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []messages.Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

func decode(payload []byte) ([]messages.Message, error) {
	var msgs []messages.Message
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return msgs, nil
}
