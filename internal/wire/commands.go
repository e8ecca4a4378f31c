package wire

import (
	"encoding/json"

	"github.com/matheus3301/chatsync/internal/messages"
)

// Outbound command types.
const (
	CmdNewMessage = "new_message"
	CmdEdit       = "edit"
	CmdDelete     = "delete"
	CmdRead       = "read"
	CmdPin        = "pin"
)

// NewMessageCommand submits a message. TempID lets the server echo the
// client's pending key and makes resends idempotent.
type NewMessageCommand struct {
	Type      string        `json:"type"`
	ChatID    int64         `json:"chat_id"`
	Content   string        `json:"content"`
	Kind      messages.Kind `json:"message_type"`
	TempID    int64         `json:"temp_id"`
	ReplyToID int64         `json:"reply_to_id,omitempty"`
}

// EditCommand replaces the content of a confirmed message.
type EditCommand struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
}

// DeleteCommand removes a confirmed message.
type DeleteCommand struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

// ReadCommand acknowledges every message up to MessageID.
type ReadCommand struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
}

// PinCommand pins or unpins a message.
type PinCommand struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	IsPinned  bool   `json:"is_pinned"`
}

func NewCreate(chatID int64, content string, kind messages.Kind, tempID, replyToID int64) NewMessageCommand {
	if kind == "" {
		kind = messages.KindText
	}
	return NewMessageCommand{Type: CmdNewMessage, ChatID: chatID, Content: content, Kind: kind, TempID: tempID, ReplyToID: replyToID}
}

func NewEdit(messageID int64, content string) EditCommand {
	return EditCommand{Type: CmdEdit, MessageID: messageID, Content: content}
}

func NewDelete(messageID int64) DeleteCommand {
	return DeleteCommand{Type: CmdDelete, MessageID: messageID}
}

func NewReadAck(chatID, messageID int64) ReadCommand {
	return ReadCommand{Type: CmdRead, ChatID: chatID, MessageID: messageID}
}

func NewPin(messageID int64, pinned bool) PinCommand {
	return PinCommand{Type: CmdPin, MessageID: messageID, IsPinned: pinned}
}

// Encode serialises an outbound command.
func Encode(cmd any) ([]byte, error) {
	return json.Marshal(cmd)
}
