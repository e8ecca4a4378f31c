package messages

import (
	"fmt"
	"time"
)

// Status is the delivery state of a message. Values are ordered: a message
// only ever moves forward through them.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
)

var statusNames = [...]string{"sending", "sent", "delivered", "read"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus maps a wire status name to a Status. Unknown names map to Sent,
// which is what the server assigns on acceptance.
func ParseStatus(name string) Status {
	for i, n := range statusNames {
		if n == name {
			return Status(i)
		}
	}
	return StatusSent
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	*s = ParseStatus(string(b))
	return nil
}

// Advance returns the later of s and to.
func (s Status) Advance(to Status) Status {
	if to > s {
		return to
	}
	return s
}

// Kind is the content type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// ParseKind normalises a wire message_type. Empty or unknown values are text.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindImage, KindVideo, KindAudio, KindFile:
		return k
	case "document":
		return KindFile
	default:
		return KindText
	}
}

// ReplyRef is a copy of the replied-to message taken when the reply was made.
// It is not a live reference and survives deletion of the original.
type ReplyRef struct {
	ID       int64  `json:"id"`
	Content  string `json:"content"`
	SenderID int64  `json:"sender_id"`
}

// Message is one entry of a chat's message list.
type Message struct {
	ID         int64     `json:"id,omitempty"`
	PendingKey int64     `json:"pending_key,omitempty"`
	ChatID     int64     `json:"chat_id"`
	SenderID   int64     `json:"sender_id"`
	Content    string    `json:"content"`
	Kind       Kind      `json:"message_type"`
	SentAt     time.Time `json:"sent_at"`
	Status     Status    `json:"status"`
	Edited     bool      `json:"is_edited,omitempty"`
	Pinned     bool      `json:"is_pinned,omitempty"`
	Failed     bool      `json:"failed,omitempty"`
	ReplyTo    *ReplyRef `json:"reply_to,omitempty"`
}

// Confirmed reports whether the server has assigned the message an id.
func (m *Message) Confirmed() bool {
	return m.ID != 0
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		m.ReplyTo = &r
	}
	return m
}
