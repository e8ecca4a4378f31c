// Package receipts decides when to acknowledge that the user has read a chat.
package receipts

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Sender transmits encoded commands.
type Sender interface {
	Connected() bool
	Send(ctx context.Context, data []byte) error
}

// Tracker sends read watermarks for one chat. Only the most recent message is
// ever acknowledged; the server applies the watermark to everything below.
// It is owned by the chat engine goroutine.
type Tracker struct {
	chatID  int64
	selfID  int64
	sender  Sender
	metrics *metrics.Metrics
	logger  *zap.Logger

	visible   bool
	focused   bool
	lastAcked int64
}

// New creates a tracker. The chat starts hidden and unfocused.
func New(chatID, selfID int64, sender Sender, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		chatID:  chatID,
		selfID:  selfID,
		sender:  sender,
		metrics: m,
		logger:  logger.With(zap.Int64("chat_id", chatID)),
	}
}

func (t *Tracker) SetVisible(v bool) { t.visible = v }
func (t *Tracker) SetFocused(f bool) { t.focused = f }

// Active reports whether the user is looking at the chat.
func (t *Tracker) Active() bool { return t.visible && t.focused }

// LastAcked returns the highest id acknowledged on the current connection.
func (t *Tracker) LastAcked() int64 { return t.lastAcked }

// Evaluate acknowledges the most recent message when the chat is visible and
// focused, the message came from someone else and it is not already Read.
// It returns the acknowledged id.
func (t *Tracker) Evaluate(ctx context.Context, store *messages.Store) (int64, bool) {
	if !t.Active() {
		return 0, false
	}
	last, ok := store.Last()
	if !ok || !last.Confirmed() || last.SenderID == t.selfID || last.Status == messages.StatusRead {
		return 0, false
	}
	if !t.ack(ctx, last.ID) {
		return 0, false
	}
	return last.ID, true
}

// AckIncoming acknowledges a just-received message from someone else while
// the chat is active.
func (t *Tracker) AckIncoming(ctx context.Context, id int64) bool {
	if !t.Active() {
		return false
	}
	return t.ack(ctx, id)
}

// Reset forgets what was acknowledged; called when a new connection opens.
func (t *Tracker) Reset() { t.lastAcked = 0 }

func (t *Tracker) ack(ctx context.Context, id int64) bool {
	if id <= t.lastAcked || !t.sender.Connected() {
		return false
	}
	frame, err := wire.Encode(wire.NewReadAck(t.chatID, id))
	if err != nil {
		t.logger.Error("encode read ack", zap.Error(err))
		return false
	}
	if err := t.sender.Send(ctx, frame); err != nil {
		t.logger.Debug("read ack not sent", zap.Error(err), zap.Int64("message_id", id))
		return false
	}
	t.lastAcked = id
	t.metrics.ReadAck()
	return true
}
