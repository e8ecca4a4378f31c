package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/messages"
)

// ErrUnknownType is returned by Decode for frames with an unrecognised type.
var ErrUnknownType = errors.New("unknown event type")

type envelope struct {
	Type  Type    `json:"type"`
	Error *string `json:"error"`
}

type rawReply struct {
	ID       ID     `json:"id"`
	Content  string `json:"content"`
	SenderID ID     `json:"sender_id"`
}

type rawNewMessage struct {
	ID          ID        `json:"id"`
	ChatID      ID        `json:"chat_id"`
	SenderID    ID        `json:"sender_id"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	SentAt      Timestamp `json:"sent_at"`
	Status      string    `json:"status"`
	ReplyTo     *rawReply `json:"reply_to"`
	TempID      ID        `json:"temp_id"`
}

type rawEdited struct {
	ChatID     ID     `json:"chat_id"`
	MessageID  ID     `json:"message_id"`
	NewContent string `json:"new_content"`
}

type rawTarget struct {
	ChatID    ID `json:"chat_id"`
	MessageID ID `json:"message_id"`
}

type rawRead struct {
	ChatID     ID `json:"chat_id"`
	UserID     ID `json:"user_id"`
	LastReadID ID `json:"last_read_id"`
	MessageID  ID `json:"message_id"`
}

type rawPinned struct {
	ChatID    ID   `json:"chat_id"`
	MessageID ID   `json:"message_id"`
	IsPinned  bool `json:"is_pinned"`
}

type rawChatDeleted struct {
	ChatID      ID   `json:"chat_id"`
	ForEveryone bool `json:"for_everyone"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" && env.Error != nil {
		return ServerError{Message: *env.Error}, nil
	}

	switch env.Type {
	case TypeNewMessage:
		var r rawNewMessage
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if r.ID == 0 {
			return nil, fmt.Errorf("decode %s: missing id", env.Type)
		}
		return r.event(), nil
	case TypeMessageEdited:
		var r rawEdited
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return Edited{ChatID: int64(r.ChatID), MessageID: int64(r.MessageID), NewContent: r.NewContent}, nil
	case TypeMessageDeleted:
		var r rawTarget
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return Deleted{ChatID: int64(r.ChatID), MessageID: int64(r.MessageID)}, nil
	case TypeMessageRead:
		var r rawRead
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		last := r.LastReadID
		if last == 0 {
			last = r.MessageID
		}
		return Read{ChatID: int64(r.ChatID), UserID: int64(r.UserID), LastReadID: int64(last)}, nil
	case TypeMessagePinned:
		var r rawPinned
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return Pinned{ChatID: int64(r.ChatID), MessageID: int64(r.MessageID), Pinned: r.IsPinned}, nil
	case TypeChatDeleted:
		var r rawChatDeleted
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ChatDeleted{ChatID: int64(r.ChatID), ForEveryone: r.ForEveryone}, nil
	case TypeHistoryCleared:
		var r rawTarget
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return HistoryCleared{ChatID: int64(r.ChatID)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func (r rawNewMessage) event() NewMessage {
	e := NewMessage{
		ID:       int64(r.ID),
		ChatID:   int64(r.ChatID),
		SenderID: int64(r.SenderID),
		Content:  r.Content,
		Kind:     messages.ParseKind(r.MessageType),
		SentAt:   time.Time(r.SentAt),
		Status:   messages.ParseStatus(r.Status),
		TempID:   int64(r.TempID),
	}
	if r.ReplyTo != nil && r.ReplyTo.ID != 0 {
		e.ReplyTo = &messages.ReplyRef{
			ID:       int64(r.ReplyTo.ID),
			Content:  r.ReplyTo.Content,
			SenderID: int64(r.ReplyTo.SenderID),
		}
	}
	return e
}

// HistoryMessage is one entry of the HTTP history endpoint. It shares the
// field names of new_message frames.
type HistoryMessage struct {
	rawNewMessage
	IsEdited bool `json:"is_edited"`
	IsPinned bool `json:"is_pinned"`
}

// Message converts a history entry into a confirmed store message.
func (h HistoryMessage) Message() messages.Message {
	m := h.event().Message()
	m.Edited = h.IsEdited
	m.Pinned = h.IsPinned
	return m
}
