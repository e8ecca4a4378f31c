package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so
// "session." receives every session event.
const (
	KindMessagesChanged = "messages.changed"
	KindSessionStatus   = "session.status_changed"
	KindUnreachable     = "session.unreachable"
	KindOutboxFailed    = "outbox.failed"
	KindOutboxSent      = "outbox.sent"
	KindServerError     = "server.error"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	ChatID    int64
	Timestamp time.Time
	Payload   any
}
