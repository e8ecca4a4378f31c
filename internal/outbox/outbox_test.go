package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/wire"
)

const (
	chatID = 42
	selfID = 7
)

type fakeSender struct {
	connected bool
	err       error
	sent      [][]byte
}

func (s *fakeSender) Connected() bool { return s.connected }

func (s *fakeSender) Send(_ context.Context, data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSender) frames(t *testing.T) []map[string]any {
	t.Helper()
	out := make([]map[string]any, len(s.sent))
	for i, b := range s.sent {
		if err := json.Unmarshal(b, &out[i]); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	return out
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestOutbox(sender *fakeSender, opts Options) (*Outbox, *messages.Store) {
	store := messages.NewStore(chatID)
	if opts.Keys == nil {
		opts.Keys = &KeyGen{}
	}
	return New(store, selfID, sender, opts), store
}

func TestEnqueueCreateRejectsEmptyContent(t *testing.T) {
	o, store := newTestOutbox(&fakeSender{connected: true}, Options{})
	for _, content := range []string{"", "   ", "\n\t"} {
		if _, err := o.EnqueueCreate(context.Background(), content, nil); !errors.Is(err, ErrEmptyContent) {
			t.Errorf("EnqueueCreate(%q) error = %v, want ErrEmptyContent", content, err)
		}
	}
	if store.Len() != 0 || o.Len() != 0 {
		t.Errorf("store=%d ops=%d, want nothing queued", store.Len(), o.Len())
	}
}

func TestEnqueueCreateWhileDisconnected(t *testing.T) {
	sender := &fakeSender{}
	o, store := newTestOutbox(sender, Options{})

	key, err := o.EnqueueCreate(context.Background(), "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := store.GetPending(key)
	if !ok {
		t.Fatal("optimistic message missing")
	}
	if m.Status != messages.StatusSending || m.SenderID != selfID || m.Content != "hi" {
		t.Errorf("optimistic message = %+v", m)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d frames while disconnected", len(sender.sent))
	}
	if ops := o.Pending(); len(ops) != 1 || ops[0].Attempts != 0 {
		t.Errorf("pending = %+v, want one untransmitted create", ops)
	}
}

func TestEnqueueCreateSendsWhenConnected(t *testing.T) {
	sender := &fakeSender{connected: true}
	o, _ := newTestOutbox(sender, Options{})

	key, err := o.EnqueueCreate(context.Background(), "hi", &messages.ReplyRef{ID: 3, Content: "q", SenderID: 9})
	if err != nil {
		t.Fatal(err)
	}
	frames := sender.frames(t)
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f["type"] != "new_message" || f["content"] != "hi" || f["chat_id"] != float64(chatID) {
		t.Errorf("frame = %v", f)
	}
	if f["temp_id"] != float64(key) || f["reply_to_id"] != float64(3) {
		t.Errorf("frame temp_id/reply_to_id = %v/%v, want %d/3", f["temp_id"], f["reply_to_id"], key)
	}
	if o.Len() != 1 {
		t.Errorf("create retired before confirmation, ops = %d", o.Len())
	}
}

func TestReplayOnConnectInSubmissionOrder(t *testing.T) {
	sender := &fakeSender{}
	o, store := newTestOutbox(sender, Options{})
	ctx := context.Background()

	if _, err := o.EnqueueCreate(ctx, "one", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.EnqueueCreate(ctx, "two", nil); err != nil {
		t.Fatal(err)
	}

	sender.connected = true
	o.OnSessionConnected(ctx)

	frames := sender.frames(t)
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2", len(frames))
	}
	if frames[0]["content"] != "one" || frames[1]["content"] != "two" {
		t.Errorf("replay order = %v, %v", frames[0]["content"], frames[1]["content"])
	}
	if store.Len() != 2 {
		t.Errorf("store len = %d, want 2", store.Len())
	}
}

func TestReplayStopsOnSendError(t *testing.T) {
	sender := &fakeSender{}
	o, _ := newTestOutbox(sender, Options{})
	ctx := context.Background()
	_, _ = o.EnqueueCreate(ctx, "one", nil)
	_, _ = o.EnqueueCreate(ctx, "two", nil)

	sender.connected = true
	sender.err = errors.New("broken pipe")
	o.OnSessionConnected(ctx)
	for _, op := range o.Pending() {
		if op.Attempts != 0 {
			t.Errorf("failed send counted as attempt: %+v", op)
		}
	}
}

func TestMatchCreateFirstBySubmissionOrder(t *testing.T) {
	o, _ := newTestOutbox(&fakeSender{}, Options{})
	ctx := context.Background()
	first, _ := o.EnqueueCreate(ctx, "hi", nil)
	second, _ := o.EnqueueCreate(ctx, "hi", nil)

	op, ok := o.MatchCreate(wire.NewMessage{ID: 10, ChatID: chatID, SenderID: selfID, Content: "hi"})
	if !ok || op.PendingKey != first {
		t.Fatalf("matched %d (ok=%v), want first key %d", op.PendingKey, ok, first)
	}
	if ops := o.Pending(); len(ops) != 1 || ops[0].PendingKey != second {
		t.Errorf("remaining ops = %+v, want only the second create", ops)
	}
}

func TestMatchCreatePrefersTempID(t *testing.T) {
	o, _ := newTestOutbox(&fakeSender{}, Options{})
	ctx := context.Background()
	_, _ = o.EnqueueCreate(ctx, "hi", nil)
	second, _ := o.EnqueueCreate(ctx, "hi", nil)

	op, ok := o.MatchCreate(wire.NewMessage{ID: 10, SenderID: selfID, Content: "hi", TempID: second})
	if !ok || op.PendingKey != second {
		t.Errorf("matched %d, want %d", op.PendingKey, second)
	}
}

func TestMatchCreateUnknownTempIDDoesNotFallBack(t *testing.T) {
	o, _ := newTestOutbox(&fakeSender{}, Options{})
	key, _ := o.EnqueueCreate(context.Background(), "hi", nil)

	if _, ok := o.MatchCreate(wire.NewMessage{ID: 10, SenderID: selfID, Content: "hi", TempID: key + 1}); ok {
		t.Error("echo for another temp_id matched by content")
	}
	if o.Len() != 1 {
		t.Errorf("ops = %d, want 1", o.Len())
	}
}

func TestMatchCreateIgnoresOtherSenders(t *testing.T) {
	o, _ := newTestOutbox(&fakeSender{}, Options{})
	_, _ = o.EnqueueCreate(context.Background(), "hi", nil)

	if _, ok := o.MatchCreate(wire.NewMessage{ID: 10, SenderID: 99, Content: "hi"}); ok {
		t.Error("message from another user must not match a local create")
	}
	if o.Len() != 1 {
		t.Errorf("ops = %d, want 1", o.Len())
	}
}

func TestEnqueueEditUnknownMessageIsNoop(t *testing.T) {
	sender := &fakeSender{connected: true}
	o, _ := newTestOutbox(sender, Options{})
	if err := o.EnqueueEdit(context.Background(), 404, "x"); err != nil {
		t.Fatal(err)
	}
	if o.Len() != 0 || len(sender.sent) != 0 {
		t.Error("stale edit should not be queued or sent")
	}
}

func TestEnqueueEditConfirmed(t *testing.T) {
	sender := &fakeSender{connected: true}
	o, store := newTestOutbox(sender, Options{})
	store.Append(messages.Message{ID: 5, ChatID: chatID, SenderID: selfID, Content: "old", Status: messages.StatusSent})

	if err := o.EnqueueEdit(context.Background(), 5, "new"); err != nil {
		t.Fatal(err)
	}
	m, _ := store.Get(5)
	if m.Content != "new" || !m.Edited {
		t.Errorf("message = %+v, want edited optimistically", m)
	}
	f := sender.frames(t)
	if len(f) != 1 || f[0]["type"] != "edit" || f[0]["message_id"] != float64(5) || f[0]["content"] != "new" {
		t.Errorf("frames = %v", f)
	}

	o.ConfirmEdit(5, "new")
	if o.Len() != 0 {
		t.Errorf("ops after confirm = %d, want 0", o.Len())
	}
}

func TestEditPendingBeforeTransmitRewritesCreate(t *testing.T) {
	sender := &fakeSender{}
	o, store := newTestOutbox(sender, Options{})
	ctx := context.Background()
	key, _ := o.EnqueueCreate(ctx, "helo", nil)

	if err := o.EnqueueEditPending(ctx, key, "hello"); err != nil {
		t.Fatal(err)
	}
	if m, _ := store.GetPending(key); m.Content != "hello" {
		t.Errorf("pending content = %q, want hello", m.Content)
	}

	sender.connected = true
	o.OnSessionConnected(ctx)
	f := sender.frames(t)
	if len(f) != 1 || f[0]["content"] != "hello" {
		t.Errorf("frames = %v, want a single create with the new text", f)
	}
}

func TestEditPendingAfterTransmitFollowsUp(t *testing.T) {
	sender := &fakeSender{connected: true}
	o, _ := newTestOutbox(sender, Options{})
	ctx := context.Background()
	key, _ := o.EnqueueCreate(ctx, "helo", nil)

	_ = o.EnqueueEditPending(ctx, key, "hello")
	op, ok := o.MatchCreate(wire.NewMessage{ID: 11, SenderID: selfID, Content: "helo", TempID: key})
	if !ok {
		t.Fatal("echo did not match")
	}
	got := FollowUps(op, 11)
	if len(got) != 1 || got[0].Kind != OpEdit || got[0].MessageID != 11 || got[0].Content != "hello" {
		t.Errorf("follow-ups = %+v", got)
	}
}

func TestEnqueueDeleteTombstonesReplies(t *testing.T) {
	sender := &fakeSender{connected: true}
	o, store := newTestOutbox(sender, Options{})
	store.Append(messages.Message{ID: 1, ChatID: chatID, SenderID: selfID, Content: "A"})
	store.Append(messages.Message{ID: 2, ChatID: chatID, SenderID: 9, Content: "B",
		ReplyTo: &messages.ReplyRef{ID: 1, Content: "A", SenderID: selfID}})

	if err := o.EnqueueDelete(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if store.Has(1) {
		t.Error("deleted message still present")
	}
	b, _ := store.Get(2)
	if b.ReplyTo == nil || b.ReplyTo.ID != 1 || b.ReplyTo.Content != DefaultTombstone {
		t.Errorf("reply = %+v, want tombstone keeping id 1", b.ReplyTo)
	}
	if f := sender.frames(t); len(f) != 1 || f[0]["type"] != "delete" {
		t.Errorf("frames = %v", f)
	}

	o.ConfirmDelete(1)
	if o.Len() != 0 {
		t.Errorf("ops after confirm = %d", o.Len())
	}
}

func TestDeletePendingNeverSentIsDropped(t *testing.T) {
	sender := &fakeSender{}
	o, store := newTestOutbox(sender, Options{})
	ctx := context.Background()
	key, _ := o.EnqueueCreate(ctx, "oops", nil)

	if err := o.EnqueueDeletePending(ctx, key); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 0 || o.Len() != 0 {
		t.Errorf("store=%d ops=%d, want both empty", store.Len(), o.Len())
	}
	sender.connected = true
	o.OnSessionConnected(ctx)
	if len(sender.sent) != 0 {
		t.Error("dropped create was transmitted")
	}
}

func TestDeletePendingAfterSendDeletesOnConfirm(t *testing.T) {
	sender := &fakeSender{connected: true}
	o, store := newTestOutbox(sender, Options{})
	ctx := context.Background()
	key, _ := o.EnqueueCreate(ctx, "oops", nil)

	_ = o.EnqueueDeletePending(ctx, key)
	if store.Len() != 0 {
		t.Error("pending message should disappear immediately")
	}
	o.OnSessionConnected(ctx)
	if len(sender.sent) != 1 {
		t.Errorf("sent %d frames, want only the original create", len(sender.sent))
	}

	op, ok := o.MatchCreate(wire.NewMessage{ID: 12, SenderID: selfID, Content: "oops"})
	if !ok {
		t.Fatal("echo did not match")
	}
	got := FollowUps(op, 12)
	if len(got) != 1 || got[0].Kind != OpDelete || got[0].MessageID != 12 {
		t.Errorf("follow-ups = %+v", got)
	}
}

func TestEnqueuePin(t *testing.T) {
	sender := &fakeSender{connected: true}
	o, store := newTestOutbox(sender, Options{})
	store.Append(messages.Message{ID: 3, ChatID: chatID})

	if err := o.EnqueuePin(context.Background(), 3, true); err != nil {
		t.Fatal(err)
	}
	if m, _ := store.Get(3); !m.Pinned {
		t.Error("message not pinned optimistically")
	}
	if f := sender.frames(t); len(f) != 1 || f[0]["type"] != "pin" || f[0]["is_pinned"] != true {
		t.Errorf("frames = %v", f)
	}
	o.ConfirmPin(3, true)
	if o.Len() != 0 {
		t.Errorf("ops after confirm = %d", o.Len())
	}
}

func TestSweepBoundsRetries(t *testing.T) {
	clock := &testClock{t: time.Unix(1700000000, 0)}
	sender := &fakeSender{connected: true}
	b := bus.New()
	failed, unsub := b.Subscribe(bus.KindOutboxFailed, 1)
	defer unsub()

	o, store := newTestOutbox(sender, Options{
		OpTimeout:   time.Second,
		MaxAttempts: 2,
		Now:         clock.now,
		Bus:         b,
	})
	ctx := context.Background()
	key, _ := o.EnqueueCreate(ctx, "hi", nil)

	if o.Sweep(ctx) || len(sender.sent) != 1 {
		t.Fatalf("sweep before timeout resent, sent = %d", len(sender.sent))
	}

	clock.advance(2 * time.Second)
	o.Sweep(ctx)
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %d, want 2 after first sweep", len(sender.sent))
	}

	clock.advance(2 * time.Second)
	if !o.Sweep(ctx) {
		t.Error("sweep that fails a create should report a store change")
	}
	if len(sender.sent) != 2 {
		t.Errorf("sent = %d, want no transmission beyond the limit", len(sender.sent))
	}
	if m, _ := store.GetPending(key); !m.Failed || m.Status != messages.StatusSending {
		t.Errorf("message = %+v, want failed and still sending", m)
	}
	if o.Len() != 1 {
		t.Errorf("failed op must stay queued, ops = %d", o.Len())
	}
	select {
	case evt := <-failed:
		if op, ok := evt.Payload.(PendingOp); !ok || op.PendingKey != key {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for outbox.failed")
	}

	o.OnSessionConnected(ctx)
	if len(sender.sent) != 2 {
		t.Error("failed op replayed on connect")
	}

	if !o.Retry(ctx, key) {
		t.Fatal("Retry returned false")
	}
	if len(sender.sent) != 3 {
		t.Errorf("sent = %d, want retry transmission", len(sender.sent))
	}
	if m, _ := store.GetPending(key); m.Failed {
		t.Error("retry should clear the failed flag")
	}
}

func TestRestoreRequeuesSnapshotPending(t *testing.T) {
	sender := &fakeSender{}
	o, store := newTestOutbox(sender, Options{})
	pending := messages.Message{PendingKey: 1234, ChatID: chatID, SenderID: selfID, Content: "later", Status: messages.StatusSending}
	store.AppendPending(pending)

	o.Restore(pending)
	o.Restore(pending)
	if o.Len() != 1 {
		t.Fatalf("ops = %d, want 1", o.Len())
	}

	sender.connected = true
	o.OnSessionConnected(context.Background())
	f := sender.frames(t)
	if len(f) != 1 || f[0]["temp_id"] != float64(1234) {
		t.Errorf("frames = %v", f)
	}
	if next := o.keys.Next(); next <= 1234 {
		t.Errorf("next key %d not after restored key", next)
	}
}

func TestClearDropsEverything(t *testing.T) {
	o, _ := newTestOutbox(&fakeSender{}, Options{})
	_, _ = o.EnqueueCreate(context.Background(), "a", nil)
	o.Clear()
	if o.Len() != 0 {
		t.Errorf("ops = %d", o.Len())
	}
}

func TestKeyGenStrictlyIncreasing(t *testing.T) {
	fixed := time.UnixMilli(5000)
	g := &KeyGen{now: func() time.Time { return fixed }}
	a, b := g.Next(), g.Next()
	if a != 5000 || b != 5001 {
		t.Errorf("keys = %d, %d, want 5000, 5001", a, b)
	}
	g.Observe(9000)
	if c := g.Next(); c != 9001 {
		t.Errorf("key after Observe = %d, want 9001", c)
	}
}
