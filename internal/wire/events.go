package wire

import (
	"time"

	"github.com/matheus3301/chatsync/internal/messages"
)

// Type is the "type" discriminator of a frame.
type Type string

// Inbound event types.
const (
	TypeNewMessage     Type = "new_message"
	TypeMessageEdited  Type = "message_edited"
	TypeMessageDeleted Type = "message_deleted"
	TypeMessageRead    Type = "message_read"
	TypeMessagePinned  Type = "message_pinned"
	TypeChatDeleted    Type = "chat_deleted"
	TypeHistoryCleared Type = "chat_history_cleared"
	TypeError          Type = "error"
)

// Event is a decoded inbound frame.
type Event interface {
	Type() Type
	// Chat returns the chat the event belongs to, or 0 if it is not chat scoped.
	Chat() int64
}

// NewMessage announces a message accepted by the server, including echoes of
// our own sends.
type NewMessage struct {
	ID       int64
	ChatID   int64
	SenderID int64
	Content  string
	Kind     messages.Kind
	SentAt   time.Time
	Status   messages.Status
	ReplyTo  *messages.ReplyRef
	// TempID is the pending key of the originating send when the server echoes it.
	TempID int64
}

func (NewMessage) Type() Type    { return TypeNewMessage }
func (e NewMessage) Chat() int64 { return e.ChatID }

// Message converts the event into a confirmed store message.
func (e NewMessage) Message() messages.Message {
	m := messages.Message{
		ID:       e.ID,
		ChatID:   e.ChatID,
		SenderID: e.SenderID,
		Content:  e.Content,
		Kind:     e.Kind,
		SentAt:   e.SentAt,
		Status:   messages.StatusSent.Advance(e.Status),
	}
	if e.ReplyTo != nil {
		r := *e.ReplyTo
		m.ReplyTo = &r
	}
	return m
}

// Edited replaces the content of a message.
type Edited struct {
	ChatID     int64
	MessageID  int64
	NewContent string
}

func (Edited) Type() Type    { return TypeMessageEdited }
func (e Edited) Chat() int64 { return e.ChatID }

// Deleted removes a message.
type Deleted struct {
	ChatID    int64
	MessageID int64
}

func (Deleted) Type() Type    { return TypeMessageDeleted }
func (e Deleted) Chat() int64 { return e.ChatID }

// Read is a watermark: every message up to and including LastReadID has been
// read by the peer.
type Read struct {
	ChatID     int64
	UserID     int64
	LastReadID int64
}

func (Read) Type() Type    { return TypeMessageRead }
func (e Read) Chat() int64 { return e.ChatID }

// Pinned toggles the pinned flag of a message.
type Pinned struct {
	ChatID    int64
	MessageID int64
	Pinned    bool
}

func (Pinned) Type() Type    { return TypeMessagePinned }
func (e Pinned) Chat() int64 { return e.ChatID }

// ChatDeleted removes the whole chat.
type ChatDeleted struct {
	ChatID      int64
	ForEveryone bool
}

func (ChatDeleted) Type() Type    { return TypeChatDeleted }
func (e ChatDeleted) Chat() int64 { return e.ChatID }

// HistoryCleared empties the chat.
type HistoryCleared struct {
	ChatID int64
}

func (HistoryCleared) Type() Type    { return TypeHistoryCleared }
func (e HistoryCleared) Chat() int64 { return e.ChatID }

// ServerError is sent by the server when it rejects a command.
type ServerError struct {
	Message string
}

func (ServerError) Type() Type  { return TypeError }
func (ServerError) Chat() int64 { return 0 }
