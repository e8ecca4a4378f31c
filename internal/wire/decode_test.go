package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/messages"
)

func TestDecodeNewMessage(t *testing.T) {
	frame := `{"type":"new_message","id":12,"chat_id":42,"sender_id":"7","content":"hi",
		"message_type":"image","sent_at":"2024-05-01T10:00:00.123456","temp_id":1714557600000,
		"reply_to":{"id":3,"content":"orig","sender_id":9}}`

	evt, err := Decode([]byte(frame))
	if err != nil {
		t.Fatal(err)
	}
	nm, ok := evt.(NewMessage)
	if !ok {
		t.Fatalf("event type = %T, want NewMessage", evt)
	}
	if nm.ID != 12 || nm.ChatID != 42 || nm.SenderID != 7 {
		t.Errorf("ids = %d/%d/%d, want 12/42/7", nm.ID, nm.ChatID, nm.SenderID)
	}
	if nm.Kind != messages.KindImage {
		t.Errorf("kind = %q, want image", nm.Kind)
	}
	if nm.TempID != 1714557600000 {
		t.Errorf("temp_id = %d", nm.TempID)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	if !nm.SentAt.Equal(want) {
		t.Errorf("sent_at = %v, want %v", nm.SentAt, want)
	}
	if nm.ReplyTo == nil || nm.ReplyTo.ID != 3 || nm.ReplyTo.SenderID != 9 {
		t.Errorf("reply_to = %+v", nm.ReplyTo)
	}

	m := nm.Message()
	if m.Status != messages.StatusSent || !m.Confirmed() {
		t.Errorf("message = %+v, want confirmed with status sent", m)
	}
}

func TestDecodeNewMessageRequiresID(t *testing.T) {
	_, err := Decode([]byte(`{"type":"new_message","chat_id":1,"content":"x"}`))
	if err == nil {
		t.Fatal("expected error for new_message without id")
	}
}

// TestDecodeReadNormalisesIDs covers the watermark field fallbacks and the
// mixed number/string encodings the server produces.
func TestDecodeReadNormalisesIDs(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  int64
	}{
		{"last_read_id number", `{"type":"message_read","chat_id":1,"last_read_id":6}`, 6},
		{"last_read_id string", `{"type":"message_read","chat_id":"1","last_read_id":"6"}`, 6},
		{"last_read_id float", `{"type":"message_read","chat_id":1,"last_read_id":6.0}`, 6},
		{"message_id fallback", `{"type":"message_read","chat_id":1,"message_id":9}`, 9},
		{"last_read_id wins", `{"type":"message_read","chat_id":1,"last_read_id":4,"message_id":9}`, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatal(err)
			}
			r := evt.(Read)
			if r.LastReadID != tt.want || r.ChatID != 1 {
				t.Errorf("got %+v, want watermark %d in chat 1", r, tt.want)
			}
		})
	}
}

func TestDecodeRejectsNonNumericID(t *testing.T) {
	for _, frame := range []string{
		`{"type":"message_deleted","chat_id":1,"message_id":"abc"}`,
		`{"type":"message_deleted","chat_id":1,"message_id":1.5}`,
		`{"type":"message_deleted","chat_id":1,"message_id":9223372036854775808}`,
		`{"type":"message_deleted","chat_id":1,"message_id":9.223372036854775808e18}`,
		`{"type":"message_deleted","chat_id":1,"message_id":"-1e19"}`,
	} {
		if _, err := Decode([]byte(frame)); err == nil {
			t.Errorf("Decode(%s) expected error", frame)
		}
	}
}

func TestDecodeOtherTypes(t *testing.T) {
	tests := []struct {
		frame string
		want  Event
	}{
		{`{"type":"message_edited","chat_id":1,"message_id":2,"new_content":"x"}`, Edited{ChatID: 1, MessageID: 2, NewContent: "x"}},
		{`{"type":"message_deleted","chat_id":1,"message_id":2}`, Deleted{ChatID: 1, MessageID: 2}},
		{`{"type":"message_pinned","chat_id":1,"message_id":2,"is_pinned":true}`, Pinned{ChatID: 1, MessageID: 2, Pinned: true}},
		{`{"type":"chat_deleted","chat_id":1,"for_everyone":true}`, ChatDeleted{ChatID: 1, ForEveryone: true}},
		{`{"type":"chat_history_cleared","chat_id":1}`, HistoryCleared{ChatID: 1}},
		{`{"error":"Edit failed: Not found or forbidden"}`, ServerError{Message: "Edit failed: Not found or forbidden"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.want.Type()), func(t *testing.T) {
			evt, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatal(err)
			}
			if evt != tt.want {
				t.Errorf("got %#v, want %#v", evt, tt.want)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed frame")
	}
	_, err := Decode([]byte(`{"type":"typing"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("err = %v, want ErrUnknownType", err)
	}
}

func TestEncodeCommands(t *testing.T) {
	tests := []struct {
		cmd  any
		want string
	}{
		{NewCreate(42, "hi", "", 100, 0), `{"type":"new_message","chat_id":42,"content":"hi","message_type":"text","temp_id":100}`},
		{NewCreate(42, "re", messages.KindText, 101, 7), `{"type":"new_message","chat_id":42,"content":"re","message_type":"text","temp_id":101,"reply_to_id":7}`},
		{NewEdit(5, "new"), `{"type":"edit","message_id":5,"content":"new"}`},
		{NewDelete(5), `{"type":"delete","message_id":5}`},
		{NewReadAck(42, 9), `{"type":"read","chat_id":42,"message_id":9}`},
		{NewPin(5, false), `{"type":"pin","message_id":5,"is_pinned":false}`},
	}
	for _, tt := range tests {
		got, err := Encode(tt.cmd)
		if err != nil {
			t.Fatal(err)
		}
		if !jsonEqual(t, got, []byte(tt.want)) {
			t.Errorf("Encode = %s, want %s", got, tt.want)
		}
	}
}

func TestHistoryMessage(t *testing.T) {
	var h HistoryMessage
	data := `{"id":3,"chat_id":1,"sender_id":2,"content":"old","sent_at":"2024-05-01T10:00:00Z","status":"read","is_edited":true}`
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		t.Fatal(err)
	}
	m := h.Message()
	if m.ID != 3 || m.Status != messages.StatusRead || !m.Edited {
		t.Errorf("message = %+v", m)
	}
}

func jsonEqual(t *testing.T, a, b []byte) bool {
	t.Helper()
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatal(err)
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return string(ja) == string(jb)
}
