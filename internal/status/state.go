package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the connection state of a chat's transport session.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	chatID  int64
	bus     *bus.Bus
}

// NewMachine creates a new state machine for chatID starting Disconnected.
func NewMachine(b *bus.Bus, chatID int64) *Machine {
	return &Machine{
		current: Disconnected,
		chatID:  chatID,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindSessionStatus,
			ChatID:  m.chatID,
			Payload: StatusChange{From: from, To: to},
		})
	}
	return nil
}

// Reset forces the machine back to Disconnected from any state. It is used on
// explicit close, where the current state does not matter.
func (m *Machine) Reset() {
	m.mu.Lock()
	from := m.current
	m.current = Disconnected
	m.mu.Unlock()
	if from != Disconnected && m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindSessionStatus,
			ChatID:  m.chatID,
			Payload: StatusChange{From: from, To: Disconnected},
		})
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}

// Unreachable is the payload of session.unreachable events, published when
// automatic reconnection has given up.
type Unreachable struct {
	Attempts int
	Err      error
}
