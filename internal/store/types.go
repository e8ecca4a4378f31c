package store

// Chat is the index row kept for every chat that has a snapshot.
type Chat struct {
	ID                 int64
	MessageCount       int
	MaxMessageID       int64
	PendingCount       int
	LastMessageAt      int64 // unix millis
	LastMessagePreview string
	OpenedAt           int64
	UpdatedAt          int64
}

// Snapshot is a stored message list and the summary written with it.
type Snapshot struct {
	ChatID    int64
	Payload   []byte
	Summary   Chat
	UpdatedAt int64
}
