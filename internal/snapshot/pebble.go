package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"

	"github.com/matheus3301/chatsync/internal/messages"
)

// Pebble keeps snapshots in a pebble key-value store, one key per chat.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens or creates the store at dir. opts may be nil.
func OpenPebble(dir string, opts *pebble.Options) (*Pebble, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func snapshotKey(chatID int64) []byte {
	return []byte("snapshot:" + strconv.FormatInt(chatID, 10))
}

func (p *Pebble) Load(_ context.Context, chatID int64) ([]messages.Message, error) {
	v, closer, err := p.db.Get(snapshotKey(chatID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	defer closer.Close()
	return decode(v)
}

func (p *Pebble) Save(_ context.Context, chatID int64, msgs []messages.Message) error {
	payload, err := encode(msgs)
	if err != nil {
		return err
	}
	if err := p.db.Set(snapshotKey(chatID), payload, pebble.Sync); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	return nil
}

func (p *Pebble) Delete(_ context.Context, chatID int64) error {
	if err := p.db.Delete(snapshotKey(chatID), pebble.Sync); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
