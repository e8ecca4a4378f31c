package messages

// Store is the canonical ordered message list of one chat.
//
// A Store is owned by a single goroutine (the chat's engine loop) and is not
// safe for concurrent use. Readers outside that goroutine receive copies.
type Store struct {
	chatID int64
	msgs   []Message
}

// NewStore creates an empty store for chatID.
func NewStore(chatID int64) *Store {
	return &Store{chatID: chatID}
}

// ChatID returns the chat the store belongs to.
func (s *Store) ChatID() int64 { return s.chatID }

// Len returns the number of messages.
func (s *Store) Len() int { return len(s.msgs) }

// List returns a copy of the messages in order.
func (s *Store) List() []Message {
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Replace discards the current contents and installs msgs. Duplicate
// confirmed ids are collapsed, keeping the first occurrence.
func (s *Store) Replace(msgs []Message) {
	s.msgs = s.msgs[:0]
	seen := make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != 0 {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		s.msgs = append(s.msgs, m.Clone())
	}
}

// Clear removes every message.
func (s *Store) Clear() {
	s.msgs = nil
}

// Last returns the most recent message.
func (s *Store) Last() (Message, bool) {
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[len(s.msgs)-1].Clone(), true
}

// Get returns the confirmed message with id.
func (s *Store) Get(id int64) (Message, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.msgs[i].Clone(), true
	}
	return Message{}, false
}

// GetPending returns the unconfirmed message with the given pending key.
func (s *Store) GetPending(key int64) (Message, bool) {
	if i := s.indexOfPending(key); i >= 0 {
		return s.msgs[i].Clone(), true
	}
	return Message{}, false
}

// Has reports whether a confirmed message with id is present.
func (s *Store) Has(id int64) bool {
	return s.indexOf(id) >= 0
}

// MaxID returns the highest confirmed id, or 0.
func (s *Store) MaxID() int64 {
	var max int64
	for _, m := range s.msgs {
		if m.ID > max {
			max = m.ID
		}
	}
	return max
}

// Append adds a confirmed message at the end. It returns false, leaving the
// store untouched, when a message with the same id already exists.
func (s *Store) Append(m Message) bool {
	if m.ID != 0 && s.indexOf(m.ID) >= 0 {
		return false
	}
	s.msgs = append(s.msgs, m.Clone())
	return true
}

// AppendPending adds an unconfirmed message at the end.
func (s *Store) AppendPending(m Message) {
	m.ID = 0
	s.msgs = append(s.msgs, m.Clone())
}

// SwapPending replaces the pending entry with key by confirmed, keeping its
// position. It returns false and changes nothing if no such entry exists or
// if confirmed's id is already present.
func (s *Store) SwapPending(key int64, confirmed Message) bool {
	i := s.indexOfPending(key)
	if i < 0 || s.indexOf(confirmed.ID) >= 0 {
		return false
	}
	s.msgs[i] = confirmed.Clone()
	return true
}

// Update applies fn to the confirmed message with id.
func (s *Store) Update(id int64, fn func(*Message)) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	fn(&s.msgs[i])
	return true
}

// UpdatePending applies fn to the pending message with key.
func (s *Store) UpdatePending(key int64, fn func(*Message)) bool {
	i := s.indexOfPending(key)
	if i < 0 {
		return false
	}
	fn(&s.msgs[i])
	return true
}

// Remove deletes the confirmed message with id.
func (s *Store) Remove(id int64) (Message, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return Message{}, false
	}
	m := s.msgs[i]
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	return m, true
}

// RemovePending deletes the pending message with key.
func (s *Store) RemovePending(key int64) bool {
	i := s.indexOfPending(key)
	if i < 0 {
		return false
	}
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	return true
}

// MarkReadThrough sets every message authored by self with an id at or below
// watermark to Read. It returns the number of messages that changed.
func (s *Store) MarkReadThrough(self, watermark int64) int {
	n := 0
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.SenderID != self || !m.Confirmed() || m.ID > watermark || m.Status == StatusRead {
			continue
		}
		m.Status = m.Status.Advance(StatusRead)
		n++
	}
	return n
}

// TombstoneReplies rewrites the reply snapshot of every message replying to
// id, keeping the reference id and sender. It returns the number changed.
func (s *Store) TombstoneReplies(id int64, marker string) int {
	n := 0
	for i := range s.msgs {
		r := s.msgs[i].ReplyTo
		if r == nil || r.ID != id || r.Content == marker {
			continue
		}
		s.msgs[i].ReplyTo = &ReplyRef{ID: r.ID, SenderID: r.SenderID, Content: marker}
		n++
	}
	return n
}

func (s *Store) indexOf(id int64) int {
	if id == 0 {
		return -1
	}
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexOfPending(key int64) int {
	if key == 0 {
		return -1
	}
	for i := range s.msgs {
		if !s.msgs[i].Confirmed() && s.msgs[i].PendingKey == key {
			return i
		}
	}
	return -1
}
