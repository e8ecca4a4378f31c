// Package sync runs one engine per open chat. An engine owns the chat's
// message store, outbox, reconciler, read tracker and transport session, and
// serialises every mutation onto a single goroutine.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/snapshot"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
)

var (
	// ErrEngineClosed is returned by calls made after Close.
	ErrEngineClosed = errors.New("sync: engine closed")
	// ErrReplyTargetMissing is returned when replying to an unknown message.
	ErrReplyTargetMissing = errors.New("sync: reply target not found")
)

// Update is the payload of messages.changed events.
type Update struct {
	ChatID   int64
	Messages []messages.Message
}

// Config holds the per-chat settings of an engine.
type Config struct {
	ChatID     int64
	SelfID     int64
	Credential string

	Backoff   transport.Backoff
	Heartbeat time.Duration

	OpTimeout     time.Duration
	MaxAttempts   int
	SweepInterval time.Duration

	HistoryLimit int
	Tombstone    string
}

// Deps are the collaborators shared by every engine.
type Deps struct {
	Dialer  transport.Dialer
	Cache   snapshot.Cache
	History history.Fetcher // optional
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// AfterFunc and Keys are overridden in tests.
	AfterFunc transport.AfterFunc
	Keys      *outbox.KeyGen
}

// Engine is the sequential owner of one chat.
type Engine struct {
	cfg     Config
	runID   string
	cache   snapshot.Cache
	history history.Fetcher
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	session    *transport.Session
	store      *messages.Store
	outbox     *outbox.Outbox
	reconciler *Reconciler
	tracker    *receipts.Tracker

	cmds    chan func(context.Context)
	done    chan struct{}
	stopped chan struct{}
	cancel  context.CancelFunc

	// online is true between the loop handling SignalConnected and
	// SignalDisconnected. Loop goroutine only.
	online bool

	// historyTouched holds the ids edited, deleted or pinned while a history
	// fetch is in flight; nil when none is. historyStale is set when the chat
	// was cleared meanwhile. Loop goroutine only.
	historyTouched map[int64]bool
	historyStale   bool

	openOnce  sync.Once
	closeOnce sync.Once
}

// engineSender gives the outbox and tracker the engine's view of the session.
type engineSender struct {
	e *Engine
}

func (a engineSender) Connected() bool {
	return a.e.online && a.e.session.State() == status.Connected
}

func (a engineSender) Send(ctx context.Context, data []byte) error {
	return a.e.session.Send(ctx, data)
}

// NewEngine wires an engine for cfg.ChatID. Nothing runs until Open.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.SweepInterval <= 0 && cfg.OpTimeout > 0 {
		cfg.SweepInterval = cfg.OpTimeout / 2
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.NewString()
	logger = logger.With(zap.Int64("chat_id", cfg.ChatID), zap.String("run_id", runID))

	e := &Engine{
		cfg:     cfg,
		runID:   runID,
		cache:   deps.Cache,
		history: deps.History,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		logger:  logger,
		store:   messages.NewStore(cfg.ChatID),
		cmds:    make(chan func(context.Context)),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	e.session = transport.NewSession(deps.Dialer, transport.Options{
		Backoff:   cfg.Backoff,
		Heartbeat: cfg.Heartbeat,
		AfterFunc: deps.AfterFunc,
		Bus:       deps.Bus,
		Metrics:   deps.Metrics,
		Logger:    logger,
	})
	sender := engineSender{e: e}
	e.outbox = outbox.New(e.store, cfg.SelfID, sender, outbox.Options{
		OpTimeout:   cfg.OpTimeout,
		MaxAttempts: cfg.MaxAttempts,
		Tombstone:   cfg.Tombstone,
		Keys:        deps.Keys,
		Bus:         deps.Bus,
		Metrics:     deps.Metrics,
		Logger:      logger,
	})
	e.reconciler = NewReconciler(e.store, e.outbox, cfg.SelfID, cfg.Tombstone, deps.Metrics, logger)
	e.tracker = receipts.New(cfg.ChatID, cfg.SelfID, sender, deps.Metrics, logger)
	return e
}

// ChatID returns the chat this engine owns.
func (e *Engine) ChatID() int64 { return e.cfg.ChatID }

// RunID identifies this engine instance in logs.
func (e *Engine) RunID() string { return e.runID }

// State returns the transport state.
func (e *Engine) State() status.State { return e.session.State() }

// Open seeds the store from the snapshot cache and publishes it before any
// network activity, then starts the loop, the history refresh and the
// connection.
func (e *Engine) Open(ctx context.Context) error {
	err := ErrEngineClosed
	e.openOnce.Do(func() {
		err = e.open(ctx)
	})
	return err
}

func (e *Engine) open(ctx context.Context) error {
	select {
	case <-e.done:
		return ErrEngineClosed
	default:
	}

	cached, err := e.cache.Load(ctx, e.cfg.ChatID)
	if err != nil {
		e.logger.Warn("snapshot load failed, starting empty", zap.Error(err))
		cached = nil
	}
	e.store.Replace(cached)
	for _, m := range e.store.List() {
		if !m.Confirmed() {
			e.outbox.Restore(m)
		}
	}
	e.publish()
	e.logger.Info("chat opened", zap.Int("cached", e.store.Len()), zap.Int("pending", e.outbox.Len()))

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if e.history != nil {
		e.historyTouched = make(map[int64]bool)
	}
	go e.loop(runCtx)
	if e.history != nil {
		go e.refreshHistory(runCtx)
	}
	go e.connect(runCtx)
	return nil
}

// Close shuts the session down first, so no reconnect can revive the chat,
// then stops the loop and waits for it.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.session.Close()
		close(e.done)
		if e.cancel != nil {
			e.cancel()
			<-e.stopped
		}
		e.logger.Info("chat closed")
	})
	return err
}

// Send queues a new message, optionally replying to replyToID, and returns
// its pending key.
func (e *Engine) Send(ctx context.Context, text string, replyToID int64) (int64, error) {
	var key int64
	err := e.do(ctx, func(ctx context.Context) error {
		var reply *messages.ReplyRef
		if replyToID != 0 {
			target, ok := e.store.Get(replyToID)
			if !ok {
				return fmt.Errorf("%w: %d", ErrReplyTargetMissing, replyToID)
			}
			reply = &messages.ReplyRef{ID: target.ID, Content: target.Content, SenderID: target.SenderID}
		}
		k, err := e.outbox.EnqueueCreate(ctx, text, reply)
		if err != nil {
			return err
		}
		key = k
		e.commit(ctx)
		return nil
	})
	return key, err
}

// Edit changes the text of a confirmed message.
func (e *Engine) Edit(ctx context.Context, id int64, text string) error {
	return e.mutate(ctx, func(ctx context.Context) error {
		e.touch(id)
		return e.outbox.EnqueueEdit(ctx, id, text)
	})
}

// EditPending changes the text of a message that is still pending.
func (e *Engine) EditPending(ctx context.Context, key int64, text string) error {
	return e.mutate(ctx, func(ctx context.Context) error { return e.outbox.EnqueueEditPending(ctx, key, text) })
}

// Delete removes a confirmed message.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	return e.mutate(ctx, func(ctx context.Context) error {
		e.touch(id)
		return e.outbox.EnqueueDelete(ctx, id)
	})
}

// DeletePending removes a message that is still pending.
func (e *Engine) DeletePending(ctx context.Context, key int64) error {
	return e.mutate(ctx, func(ctx context.Context) error { return e.outbox.EnqueueDeletePending(ctx, key) })
}

// Pin pins or unpins a confirmed message.
func (e *Engine) Pin(ctx context.Context, id int64, pinned bool) error {
	return e.mutate(ctx, func(ctx context.Context) error {
		e.touch(id)
		return e.outbox.EnqueuePin(ctx, id, pinned)
	})
}

// Retry resends a message that ran out of attempts. It reports whether the
// pending key was known.
func (e *Engine) Retry(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := e.do(ctx, func(ctx context.Context) error {
		ok = e.outbox.Retry(ctx, key)
		if ok {
			e.commit(ctx)
		}
		return nil
	})
	return ok, err
}

// SetVisibility reports whether the chat is on screen and focused.
func (e *Engine) SetVisibility(ctx context.Context, visible, focused bool) error {
	return e.do(ctx, func(ctx context.Context) error {
		e.tracker.SetVisible(visible)
		e.tracker.SetFocused(focused)
		e.tracker.Evaluate(ctx, e.store)
		return nil
	})
}

// Messages returns a copy of the current list.
func (e *Engine) Messages(ctx context.Context) ([]messages.Message, error) {
	var out []messages.Message
	err := e.do(ctx, func(context.Context) error {
		out = e.store.List()
		return nil
	})
	return out, err
}

// Pending returns the unconfirmed outbox ops.
func (e *Engine) Pending(ctx context.Context) ([]outbox.PendingOp, error) {
	var out []outbox.PendingOp
	err := e.do(ctx, func(context.Context) error {
		out = e.outbox.Pending()
		return nil
	})
	return out, err
}

// Subscribe returns every bus event of this chat.
func (e *Engine) Subscribe(buf int) (<-chan bus.Event, func()) {
	return e.bus.SubscribeChat("", e.cfg.ChatID, buf)
}

func (e *Engine) mutate(ctx context.Context, fn func(context.Context) error) error {
	return e.do(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		e.commit(ctx)
		return nil
	})
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func(context.Context) error) error {
	errc := make(chan error, 1)
	select {
	case e.cmds <- func(loopCtx context.Context) { errc <- fn(loopCtx) }:
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the engine goroutine without waiting.
func (e *Engine) post(ctx context.Context, fn func(context.Context)) {
	select {
	case e.cmds <- fn:
	case <-ctx.Done():
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.stopped)

	var sweep <-chan time.Time
	if e.cfg.SweepInterval > 0 {
		t := time.NewTicker(e.cfg.SweepInterval)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.cmds:
			fn(ctx)
		case sig := <-e.session.Signals():
			e.handleSignal(ctx, sig)
		case <-sweep:
			if e.outbox.Sweep(ctx) {
				e.commit(ctx)
			}
		}
	}
}

func (e *Engine) connect(ctx context.Context) {
	if err := e.session.Connect(ctx, e.cfg.ChatID, e.cfg.Credential); err != nil && ctx.Err() == nil {
		e.logger.Info("initial connect failed, retrying in background", zap.Error(err))
	}
}

func (e *Engine) handleSignal(ctx context.Context, sig transport.Signal) {
	switch sig.Kind {
	case transport.SignalEvent:
		res := e.reconciler.Apply(sig.Event)
		e.touch(res.Touched)
		if res.Cleared && e.historyTouched != nil {
			e.historyStale = true
		}
		for _, f := range res.FollowUps {
			e.followUp(ctx, f)
		}
		if res.Incoming != 0 {
			e.tracker.AckIncoming(ctx, res.Incoming)
		}
		if res.ChatDeleted {
			if err := e.cache.Delete(ctx, e.cfg.ChatID); err != nil {
				e.logger.Error("delete snapshot", zap.Error(err))
			}
			e.publish()
			return
		}
		if res.Changed || len(res.FollowUps) > 0 {
			e.commit(ctx)
		}
	case transport.SignalConnected:
		e.online = true
		e.tracker.Reset()
		e.outbox.OnSessionConnected(ctx)
		e.tracker.Evaluate(ctx, e.store)
	case transport.SignalDisconnected:
		e.online = false
		e.logger.Debug("session dropped", zap.Error(sig.Err))
	case transport.SignalUnreachable:
		e.online = false
		e.logger.Warn("chat offline, sends stay queued",
			zap.Int("attempts", sig.Attempt),
			zap.Int("pending", e.outbox.Len()))
	}
}

func (e *Engine) followUp(ctx context.Context, f outbox.FollowUp) {
	e.touch(f.MessageID)
	var err error
	switch f.Kind {
	case outbox.OpDelete:
		err = e.outbox.EnqueueDelete(ctx, f.MessageID)
	case outbox.OpEdit:
		err = e.outbox.EnqueueEdit(ctx, f.MessageID, f.Content)
	}
	if err != nil {
		e.logger.Warn("follow-up failed", zap.Stringer("kind", f.Kind), zap.Int64("message_id", f.MessageID), zap.Error(err))
	}
}

// touch records id as changed while a history fetch is in flight.
func (e *Engine) touch(id int64) {
	if id != 0 && e.historyTouched != nil {
		e.historyTouched[id] = true
	}
}

// commit persists the store, tells subscribers and re-evaluates receipts.
func (e *Engine) commit(ctx context.Context) {
	if err := e.cache.Save(ctx, e.cfg.ChatID, e.store.List()); err != nil {
		e.logger.Error("save snapshot", zap.Error(err))
	}
	e.publish()
	e.tracker.Evaluate(ctx, e.store)
}

func (e *Engine) publish() {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:    bus.KindMessagesChanged,
		ChatID:  e.cfg.ChatID,
		Payload: Update{ChatID: e.cfg.ChatID, Messages: e.store.List()},
	})
}
