// Package outbox queues a chat's user mutations until the server confirms
// them. Every enqueue updates the message store first and then transmits when
// the session is connected.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/wire"
)

// ErrEmptyContent is returned for messages with no visible text.
var ErrEmptyContent = errors.New("outbox: empty message content")

// Sender transmits encoded commands. *transport.Session satisfies it through
// a small adapter in the engine.
type Sender interface {
	Connected() bool
	Send(ctx context.Context, data []byte) error
}

// DefaultTombstone replaces the quoted content of replies to a deleted message.
const DefaultTombstone = "message deleted"

// Options configures an Outbox.
type Options struct {
	// OpTimeout is how long a transmitted op may stay unconfirmed before
	// Sweep sends it again. Zero disables Sweep.
	OpTimeout time.Duration
	// MaxAttempts bounds transmissions per op. Zero means unbounded.
	MaxAttempts int
	Tombstone   string
	Keys        *KeyGen
	Now         func() time.Time
	Bus         *bus.Bus
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Outbox is owned by one chat engine goroutine and is not safe for
// concurrent use.
type Outbox struct {
	chatID int64
	selfID int64
	store  *messages.Store
	sender Sender

	opTimeout   time.Duration
	maxAttempts int
	tombstone   string
	keys        *KeyGen
	now         func() time.Time
	bus         *bus.Bus
	metrics     *metrics.Metrics
	logger      *zap.Logger

	ops []*PendingOp
	seq uint64
}

// New creates an outbox for store's chat, sending as selfID.
func New(store *messages.Store, selfID int64, sender Sender, opts Options) *Outbox {
	if opts.Tombstone == "" {
		opts.Tombstone = DefaultTombstone
	}
	if opts.Keys == nil {
		opts.Keys = Keys
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Outbox{
		chatID:      store.ChatID(),
		selfID:      selfID,
		store:       store,
		sender:      sender,
		opTimeout:   opts.OpTimeout,
		maxAttempts: opts.MaxAttempts,
		tombstone:   opts.Tombstone,
		keys:        opts.Keys,
		now:         opts.Now,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		logger:      opts.Logger.With(zap.Int64("chat_id", store.ChatID())),
	}
}

// Len returns the number of unconfirmed ops.
func (o *Outbox) Len() int { return len(o.ops) }

// Pending returns copies of the unconfirmed ops in submission order.
func (o *Outbox) Pending() []PendingOp {
	out := make([]PendingOp, len(o.ops))
	for i, op := range o.ops {
		out[i] = *op
	}
	return out
}

// EnqueueCreate inserts an optimistic message and queues its create. The
// returned pending key identifies the message until the server confirms it.
func (o *Outbox) EnqueueCreate(ctx context.Context, content string, replyTo *messages.ReplyRef) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, ErrEmptyContent
	}
	key := o.keys.Next()
	now := o.now()
	var reply *messages.ReplyRef
	if replyTo != nil {
		r := *replyTo
		reply = &r
	}
	o.store.AppendPending(messages.Message{
		PendingKey: key,
		ChatID:     o.chatID,
		SenderID:   o.selfID,
		Content:    content,
		Kind:       messages.KindText,
		SentAt:     now,
		Status:     messages.StatusSending,
		ReplyTo:    reply,
	})
	op := o.push(&PendingOp{
		Kind:       OpCreate,
		PendingKey: key,
		Content:    content,
		ReplyTo:    reply,
	})
	o.transmit(ctx, op)
	return key, nil
}

// Restore re-queues an unconfirmed message found in a snapshot. The store
// already holds it, so only the op is created.
func (o *Outbox) Restore(m messages.Message) {
	if m.Confirmed() || m.PendingKey == 0 || o.findCreate(m.PendingKey) != nil {
		return
	}
	o.keys.Observe(m.PendingKey)
	op := o.push(&PendingOp{
		Kind:       OpCreate,
		PendingKey: m.PendingKey,
		Content:    m.Content,
		ReplyTo:    m.ReplyTo,
		EnqueuedAt: m.SentAt,
	})
	if m.Failed {
		op.Retryable = false
	}
}

// EnqueueEdit rewrites a confirmed message and queues the edit. Unknown ids
// are ignored.
func (o *Outbox) EnqueueEdit(ctx context.Context, id int64, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if !o.store.Update(id, func(m *messages.Message) {
		m.Content = content
		m.Edited = true
	}) {
		o.logger.Debug("edit of unknown message ignored", zap.Int64("message_id", id))
		return nil
	}
	op := o.push(&PendingOp{Kind: OpEdit, MessageID: id, Content: content})
	o.transmit(ctx, op)
	return nil
}

// EnqueueEditPending changes the text of a message that is still pending.
// Before the first transmission the queued create is rewritten; afterwards
// the new text is sent as an edit once the create is confirmed.
func (o *Outbox) EnqueueEditPending(ctx context.Context, key int64, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	op := o.findCreate(key)
	if op == nil {
		return nil
	}
	o.store.UpdatePending(key, func(m *messages.Message) { m.Content = content })
	if op.Attempts == 0 {
		op.Content = content
		return nil
	}
	op.EditOnConfirm = &content
	return nil
}

// EnqueueDelete removes a confirmed message, tombstones replies to it and
// queues the delete. Unknown ids are ignored.
func (o *Outbox) EnqueueDelete(ctx context.Context, id int64) error {
	if _, ok := o.store.Remove(id); !ok {
		o.logger.Debug("delete of unknown message ignored", zap.Int64("message_id", id))
		return nil
	}
	o.store.TombstoneReplies(id, o.tombstone)
	o.drop(func(op *PendingOp) bool {
		return op.MessageID == id && (op.Kind == OpEdit || op.Kind == OpPin)
	})
	op := o.push(&PendingOp{Kind: OpDelete, MessageID: id})
	o.transmit(ctx, op)
	return nil
}

// EnqueueDeletePending removes a pending message. A create that was never
// transmitted is dropped; one that was is answered with a delete on echo.
func (o *Outbox) EnqueueDeletePending(_ context.Context, key int64) error {
	op := o.findCreate(key)
	if op == nil {
		return nil
	}
	o.store.RemovePending(key)
	if op.Attempts == 0 {
		o.drop(func(p *PendingOp) bool { return p == op })
		return nil
	}
	op.DeleteOnConfirm = true
	op.Retryable = false
	return nil
}

// EnqueuePin pins or unpins a confirmed message. Unknown ids are ignored.
func (o *Outbox) EnqueuePin(ctx context.Context, id int64, pinned bool) error {
	if !o.store.Update(id, func(m *messages.Message) { m.Pinned = pinned }) {
		return nil
	}
	op := o.push(&PendingOp{Kind: OpPin, MessageID: id, Pinned: pinned})
	o.transmit(ctx, op)
	return nil
}

// OnSessionConnected resends every retryable op in submission order. It
// stops at the first failed send; the next connect replays the rest.
func (o *Outbox) OnSessionConnected(ctx context.Context) {
	for _, op := range o.ops {
		if !op.Retryable {
			continue
		}
		if !o.transmit(ctx, op) {
			return
		}
	}
}

// MatchCreate finds the create that e confirms and retires it. An echo with a
// temp_id matches only that create; otherwise the first create, in submission
// order, whose content matches and whose message is still Sending. Only
// messages from self match.
func (o *Outbox) MatchCreate(e wire.NewMessage) (PendingOp, bool) {
	if e.SenderID != o.selfID {
		return PendingOp{}, false
	}
	var match *PendingOp
	if e.TempID != 0 {
		match = o.findCreate(e.TempID)
	} else {
		for _, op := range o.ops {
			if op.Kind != OpCreate || op.Content != e.Content {
				continue
			}
			if m, ok := o.store.GetPending(op.PendingKey); ok && m.Status != messages.StatusSending {
				continue
			}
			match = op
			break
		}
	}
	if match == nil {
		return PendingOp{}, false
	}
	o.drop(func(op *PendingOp) bool { return op == match })
	return *match, true
}

// FollowUps returns the ops to enqueue for a confirmed create.
func FollowUps(op PendingOp, id int64) []FollowUp {
	if op.DeleteOnConfirm {
		return []FollowUp{{Kind: OpDelete, MessageID: id}}
	}
	if op.EditOnConfirm != nil {
		return []FollowUp{{Kind: OpEdit, MessageID: id, Content: *op.EditOnConfirm}}
	}
	return nil
}

// ConfirmEdit retires queued edits of id carrying content.
func (o *Outbox) ConfirmEdit(id int64, content string) {
	o.drop(func(op *PendingOp) bool {
		return op.Kind == OpEdit && op.MessageID == id && op.Content == content
	})
}

// ConfirmDelete retires every op targeting id.
func (o *Outbox) ConfirmDelete(id int64) {
	o.drop(func(op *PendingOp) bool { return op.Kind != OpCreate && op.MessageID == id })
}

// ConfirmPin retires queued pin changes of id to pinned.
func (o *Outbox) ConfirmPin(id int64, pinned bool) {
	o.drop(func(op *PendingOp) bool {
		return op.Kind == OpPin && op.MessageID == id && op.Pinned == pinned
	})
}

// Clear drops every op.
func (o *Outbox) Clear() {
	o.ops = nil
	o.metrics.SetOutboxDepth(o.chatID, 0)
}

// Sweep resends ops that have waited longer than the op timeout since their
// last transmission, or that were never transmitted. Ops that reach the attempt limit stop retrying, their
// message is flagged Failed and outbox.failed is published. It reports
// whether the store changed.
func (o *Outbox) Sweep(ctx context.Context) bool {
	if o.opTimeout <= 0 || !o.sender.Connected() {
		return false
	}
	now := o.now()
	changed := false
	for _, op := range o.ops {
		if !op.Retryable || now.Sub(op.LastSentAt) < o.opTimeout {
			continue
		}
		if o.maxAttempts > 0 && op.Attempts >= o.maxAttempts {
			op.Retryable = false
			if o.fail(op) {
				changed = true
			}
			continue
		}
		if !o.transmit(ctx, op) {
			break
		}
	}
	return changed
}

// Retry makes a failed create eligible for sending again and transmits it.
func (o *Outbox) Retry(ctx context.Context, key int64) bool {
	op := o.findCreate(key)
	if op == nil || op.DeleteOnConfirm {
		return false
	}
	op.Retryable = true
	op.Attempts = 0
	o.store.UpdatePending(key, func(m *messages.Message) { m.Failed = false })
	o.transmit(ctx, op)
	return true
}

func (o *Outbox) fail(op *PendingOp) bool {
	o.metrics.OutboxFailed()
	o.logger.Warn("giving up on op",
		zap.Stringer("kind", op.Kind),
		zap.Int64("pending_key", op.PendingKey),
		zap.Int64("message_id", op.MessageID),
		zap.Int("attempts", op.Attempts))
	if o.bus != nil {
		o.bus.Publish(bus.Event{Kind: bus.KindOutboxFailed, ChatID: o.chatID, Payload: *op})
	}
	if op.Kind != OpCreate {
		return false
	}
	return o.store.UpdatePending(op.PendingKey, func(m *messages.Message) { m.Failed = true })
}

func (o *Outbox) push(op *PendingOp) *PendingOp {
	o.seq++
	op.Seq = o.seq
	op.Retryable = true
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = o.now()
	}
	o.ops = append(o.ops, op)
	o.metrics.SetOutboxDepth(o.chatID, len(o.ops))
	return op
}

func (o *Outbox) drop(match func(*PendingOp) bool) {
	kept := o.ops[:0]
	for _, op := range o.ops {
		if !match(op) {
			kept = append(kept, op)
		}
	}
	for i := len(kept); i < len(o.ops); i++ {
		o.ops[i] = nil
	}
	o.ops = kept
	o.metrics.SetOutboxDepth(o.chatID, len(o.ops))
}

func (o *Outbox) findCreate(key int64) *PendingOp {
	for _, op := range o.ops {
		if op.Kind == OpCreate && op.PendingKey == key {
			return op
		}
	}
	return nil
}

// transmit sends op if the session is connected. Only successful writes
// count as attempts.
func (o *Outbox) transmit(ctx context.Context, op *PendingOp) bool {
	if !o.sender.Connected() {
		return false
	}
	frame, err := o.encode(op)
	if err != nil {
		o.logger.Error("encode op", zap.Error(err), zap.Stringer("kind", op.Kind))
		return false
	}
	if err := o.sender.Send(ctx, frame); err != nil {
		o.logger.Debug("send failed, op stays queued", zap.Error(err), zap.Stringer("kind", op.Kind))
		return false
	}
	op.Attempts++
	op.LastSentAt = o.now()
	o.metrics.OutboxSent(op.Kind.String(), op.Attempts > 1)
	if o.bus != nil {
		o.bus.Publish(bus.Event{Kind: bus.KindOutboxSent, ChatID: o.chatID, Payload: *op})
	}
	return true
}

func (o *Outbox) encode(op *PendingOp) ([]byte, error) {
	switch op.Kind {
	case OpCreate:
		var replyID int64
		if op.ReplyTo != nil {
			replyID = op.ReplyTo.ID
		}
		return wire.Encode(wire.NewCreate(o.chatID, op.Content, messages.KindText, op.PendingKey, replyID))
	case OpEdit:
		return wire.Encode(wire.NewEdit(op.MessageID, op.Content))
	case OpDelete:
		return wire.Encode(wire.NewDelete(op.MessageID))
	case OpPin:
		return wire.Encode(wire.NewPin(op.MessageID, op.Pinned))
	}
	return nil, fmt.Errorf("unknown op kind %d", int(op.Kind))
}
