package sync

import (
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Result tells the engine what an applied event did.
type Result struct {
	// Changed is set when the store was mutated.
	Changed bool
	// Incoming is the id of a new message from someone else, to be
	// acknowledged right away if the chat is active.
	Incoming int64
	// Cleared is set when the chat's history was wiped.
	Cleared bool
	// ChatDeleted is set when the chat itself is gone.
	ChatDeleted bool
	// FollowUps are ops to enqueue now that a create was confirmed.
	FollowUps []outbox.FollowUp
	// Touched is the id an edit, delete or pin event referred to.
	Touched int64
}

// Reconciler applies server events to a chat's store and retires the outbox
// ops they confirm. Every event is idempotent.
type Reconciler struct {
	chatID    int64
	selfID    int64
	store     *messages.Store
	outbox    *outbox.Outbox
	tombstone string
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewReconciler creates a reconciler for store's chat.
func NewReconciler(store *messages.Store, ob *outbox.Outbox, selfID int64, tombstone string, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	if tombstone == "" {
		tombstone = outbox.DefaultTombstone
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		chatID:    store.ChatID(),
		selfID:    selfID,
		store:     store,
		outbox:    ob,
		tombstone: tombstone,
		metrics:   m,
		logger:    logger.With(zap.Int64("chat_id", store.ChatID())),
	}
}

// Apply applies one event. Events of other chats are ignored.
func (r *Reconciler) Apply(ev wire.Event) Result {
	if se, ok := ev.(wire.ServerError); ok {
		r.logger.Warn("server rejected a command", zap.String("error", se.Message))
		r.metrics.EventApplied(string(se.Type()))
		return Result{}
	}
	if ev.Chat() != r.chatID {
		return Result{}
	}
	r.metrics.EventApplied(string(ev.Type()))

	switch e := ev.(type) {
	case wire.NewMessage:
		return r.applyNew(e)
	case wire.Edited:
		r.outbox.ConfirmEdit(e.MessageID, e.NewContent)
		changed := false
		r.store.Update(e.MessageID, func(m *messages.Message) {
			if m.Content == e.NewContent && m.Edited {
				return
			}
			m.Content = e.NewContent
			m.Edited = true
			changed = true
		})
		return Result{Changed: changed, Touched: e.MessageID}
	case wire.Deleted:
		r.outbox.ConfirmDelete(e.MessageID)
		_, removed := r.store.Remove(e.MessageID)
		tombstoned := r.store.TombstoneReplies(e.MessageID, r.tombstone)
		return Result{Changed: removed || tombstoned > 0, Touched: e.MessageID}
	case wire.Read:
		if e.UserID != 0 && e.UserID == r.selfID {
			return Result{}
		}
		return Result{Changed: r.store.MarkReadThrough(r.selfID, e.LastReadID) > 0}
	case wire.Pinned:
		r.outbox.ConfirmPin(e.MessageID, e.Pinned)
		changed := false
		r.store.Update(e.MessageID, func(m *messages.Message) {
			if m.Pinned != e.Pinned {
				m.Pinned = e.Pinned
				changed = true
			}
		})
		return Result{Changed: changed, Touched: e.MessageID}
	case wire.ChatDeleted:
		res := r.clear()
		res.ChatDeleted = true
		return res
	case wire.HistoryCleared:
		return r.clear()
	}
	return Result{}
}

func (r *Reconciler) applyNew(e wire.NewMessage) Result {
	confirmed := e.Message()
	if r.store.Has(e.ID) {
		// Redelivery. Only an exact temp_id echo may still retire an op.
		if e.TempID == 0 {
			return Result{}
		}
		op, ok := r.outbox.MatchCreate(e)
		if !ok {
			return Result{}
		}
		r.store.RemovePending(op.PendingKey)
		return Result{Changed: true, FollowUps: outbox.FollowUps(op, e.ID)}
	}
	if op, ok := r.outbox.MatchCreate(e); ok {
		confirmed.PendingKey = op.PendingKey
		if !r.store.SwapPending(op.PendingKey, confirmed) {
			r.store.Append(confirmed)
		}
		return Result{Changed: true, FollowUps: outbox.FollowUps(op, e.ID)}
	}
	r.store.Append(confirmed)
	res := Result{Changed: true}
	if e.SenderID != r.selfID {
		res.Incoming = e.ID
	}
	return res
}

func (r *Reconciler) clear() Result {
	changed := r.store.Len() > 0 || r.outbox.Len() > 0
	r.store.Clear()
	r.outbox.Clear()
	return Result{Changed: changed, Cleared: true}
}
