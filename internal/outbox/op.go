package outbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/messages"
)

// OpKind is the kind of user mutation an op carries.
type OpKind int

const (
	OpCreate OpKind = iota
	OpEdit
	OpDelete
	OpPin
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpEdit:
		return "edit"
	case OpDelete:
		return "delete"
	case OpPin:
		return "pin"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// PendingOp is a user mutation the server has not confirmed yet.
type PendingOp struct {
	Seq        uint64
	Kind       OpKind
	PendingKey int64 // creates only
	MessageID  int64 // edit, delete, pin
	Content    string
	ReplyTo    *messages.ReplyRef
	Pinned     bool

	// Retryable ops are replayed on connect and resent by Sweep.
	Retryable  bool
	Attempts   int
	EnqueuedAt time.Time
	LastSentAt time.Time

	// DeleteOnConfirm marks a create the user deleted after it was
	// transmitted; the echo is answered with a delete.
	DeleteOnConfirm bool
	// EditOnConfirm holds content the user set after the create was
	// transmitted; the echo is answered with an edit.
	EditOnConfirm *string
}

// FollowUp is an op to enqueue once a create has been confirmed.
type FollowUp struct {
	Kind      OpKind
	MessageID int64
	Content   string
}

// KeyGen hands out pending keys: unix milliseconds, bumped so that every key
// is strictly greater than the previous one.
type KeyGen struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// Keys is the process-wide generator.
var Keys = &KeyGen{}

// Next returns a fresh key.
func (g *KeyGen) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	k := now().UnixMilli()
	if k <= g.last {
		k = g.last + 1
	}
	g.last = k
	return k
}

// Observe makes sure later keys sort after key.
func (g *KeyGen) Observe(key int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if key > g.last {
		g.last = key
	}
}
