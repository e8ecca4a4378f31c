package console

import (
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/messages"
)

const timeLayout = "15:04"

// FormatMessage renders one message as a single line, prefixed by its
// reference and followed by a quoted reply line when it answers another
// message.
func FormatMessage(m messages.Message, selfID int64) string {
	ref := Ref{ID: m.ID}
	if !m.Confirmed() {
		ref = Ref{ID: m.PendingKey, Pending: true}
	}

	sender := fmt.Sprintf("user %d", m.SenderID)
	if m.SenderID == selfID {
		sender = "You"
	}

	var b strings.Builder
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "    > #%d: %s\n", m.ReplyTo.ID, sanitizeForTerminal(m.ReplyTo.Content))
	}
	if !m.SentAt.IsZero() {
		fmt.Fprintf(&b, "%s ", m.SentAt.Local().Format(timeLayout))
	}
	fmt.Fprintf(&b, "%-16s %s: %s", ref, sender, sanitizeForTerminal(m.Content))

	var tags []string
	if m.Edited {
		tags = append(tags, "edited")
	}
	if m.Pinned {
		tags = append(tags, "pinned")
	}
	if m.SenderID == selfID {
		if m.Failed {
			tags = append(tags, "failed")
		} else {
			tags = append(tags, m.Status.String())
		}
	}
	if len(tags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(tags, ", "))
	}
	return b.String()
}

// FormatList renders the whole chat, oldest first.
func FormatList(chatID int64, msgs []messages.Message, selfID int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- chat %d (%d messages) ---\n", chatID, len(msgs))
	for _, m := range msgs {
		b.WriteString(FormatMessage(m, selfID))
		b.WriteByte('\n')
	}
	return b.String()
}
