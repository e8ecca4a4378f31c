package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/auth"
)

// ChatIndex records which chats were opened. *store.DB satisfies it.
type ChatIndex interface {
	TouchChat(ctx context.Context, chatID int64) error
}

// Manager owns the engines of every open chat.
type Manager struct {
	base        Config
	deps        Deps
	credentials auth.Provider
	index       ChatIndex
	logger      *zap.Logger

	mu      sync.Mutex
	engines map[int64]*Engine
}

// NewManager creates a manager. base supplies every engine's settings except
// ChatID and Credential. index may be nil.
func NewManager(base Config, deps Deps, credentials auth.Provider, index ChatIndex) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		base:        base,
		deps:        deps,
		credentials: credentials,
		index:       index,
		logger:      logger,
		engines:     make(map[int64]*Engine),
	}
}

// Open returns the engine of chatID, creating and opening it if needed. A
// credential must be available.
func (m *Manager) Open(ctx context.Context, chatID int64) (*Engine, error) {
	if chatID <= 0 {
		return nil, fmt.Errorf("invalid chat id %d", chatID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.engines[chatID]; ok {
		return e, nil
	}
	credential, err := m.credentials.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("open chat %d: %w", chatID, err)
	}

	cfg := m.base
	cfg.ChatID = chatID
	cfg.Credential = credential
	e := NewEngine(cfg, m.deps)
	if err := e.Open(ctx); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("open chat %d: %w", chatID, err)
	}
	m.engines[chatID] = e

	if m.index != nil {
		if err := m.index.TouchChat(ctx, chatID); err != nil {
			m.logger.Warn("record opened chat", zap.Int64("chat_id", chatID), zap.Error(err))
		}
	}
	return e, nil
}

// Get returns the engine of an open chat.
func (m *Manager) Get(chatID int64) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[chatID]
	return e, ok
}

// Chats returns the ids of the open chats, ascending.
func (m *Manager) Chats() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close shuts down the engine of chatID. Closing an unknown chat is a no-op.
func (m *Manager) Close(chatID int64) error {
	m.mu.Lock()
	e, ok := m.engines[chatID]
	delete(m.engines, chatID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.Close()
}

// CloseAll shuts down every engine, on logout or shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[int64]*Engine)
	m.mu.Unlock()

	var errs []error
	for id, e := range engines {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
