package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/wire"
)

var (
	// ErrNotConnected is returned by Send when the session is not Connected.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned when the session was closed or superseded while
	// an operation was in flight.
	ErrClosed = errors.New("transport: session closed")
)

// SignalKind tells the owner what happened on the session.
type SignalKind int

const (
	SignalEvent SignalKind = iota
	SignalConnected
	SignalDisconnected
	SignalUnreachable
)

func (k SignalKind) String() string {
	switch k {
	case SignalEvent:
		return "event"
	case SignalConnected:
		return "connected"
	case SignalDisconnected:
		return "disconnected"
	case SignalUnreachable:
		return "unreachable"
	}
	return fmt.Sprintf("signal(%d)", int(k))
}

// Signal is delivered to the session owner in arrival order.
type Signal struct {
	Kind    SignalKind
	Event   wire.Event
	Err     error
	Attempt int
}

// Timer is the part of *time.Timer the session uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules fn after d. time.AfterFunc in production.
type AfterFunc func(d time.Duration, fn func()) Timer

func realAfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }

// Options configures a Session. Zero values fall back to the defaults.
type Options struct {
	Backoff   Backoff
	Heartbeat time.Duration
	AfterFunc AfterFunc
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	// SignalBuffer is the capacity of the signal channel.
	SignalBuffer int
}

// Session owns at most one live connection for a chat and reconnects it with
// exponential backoff until Close.
type Session struct {
	dialer    Dialer
	backoff   Backoff
	heartbeat time.Duration
	afterFunc AfterFunc
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	signals   chan Signal

	mu         sync.Mutex
	machine    *status.Machine
	chatID     int64
	credential string
	conn       Conn
	connID     string
	cancelRead context.CancelFunc
	life       context.Context
	cancelLife context.CancelFunc
	timer      Timer
	attempt    int
	gen        uint64
	closed     bool

	writeMu sync.Mutex
}

// NewSession creates a disconnected session.
func NewSession(dialer Dialer, opts Options) *Session {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SignalBuffer <= 0 {
		opts.SignalBuffer = 64
	}
	return &Session{
		dialer:    dialer,
		backoff:   opts.Backoff,
		heartbeat: opts.Heartbeat,
		afterFunc: opts.AfterFunc,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		signals:   make(chan Signal, opts.SignalBuffer),
		machine:   status.NewMachine(opts.Bus, 0),
	}
}

// Signals returns the channel the owner must drain.
func (s *Session) Signals() <-chan Signal { return s.signals }

// State returns the current connection state.
func (s *Session) State() status.State {
	s.mu.Lock()
	m := s.machine
	s.mu.Unlock()
	return m.Current()
}

// Attempt returns the number of reconnect attempts scheduled since the last
// successful open.
func (s *Session) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// ConnID returns the id of the live connection, or "" when there is none.
func (s *Session) ConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Connect opens a connection for chatID. It blocks until the handshake
// succeeds or fails. Any previous connection or pending reconnect is
// discarded and the attempt counter starts over. A failed handshake still
// schedules a reconnect.
func (s *Session) Connect(ctx context.Context, chatID int64, credential string) error {
	s.mu.Lock()
	old := s.teardownLocked()
	prev := s.machine
	if s.chatID != chatID {
		s.machine = status.NewMachine(s.bus, chatID)
	}
	s.chatID = chatID
	s.credential = credential
	s.closed = false
	s.attempt = 0
	s.life, s.cancelLife = context.WithCancel(context.Background())
	gen := s.gen
	machine := s.machine
	s.mu.Unlock()

	prev.Reset()
	machine.Reset()
	if old != nil {
		s.metrics.SessionConnected(false)
		_ = old.Close()
	}
	return s.dial(ctx, gen)
}

// Send writes one frame. It never queues: when the session is not Connected
// it returns ErrNotConnected immediately.
func (s *Session) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	connected := conn != nil && s.machine.Current() == status.Connected
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close stops any pending reconnect, detaches the read loop and closes the
// connection. No further signals are delivered until the next Connect.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.teardownLocked()
	machine := s.machine
	s.mu.Unlock()

	machine.Reset()
	if conn == nil {
		return nil
	}
	s.metrics.SessionConnected(false)
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// teardownLocked invalidates the current generation and returns the live
// connection, if any, for the caller to close outside the lock.
func (s *Session) teardownLocked() Conn {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelRead != nil {
		s.cancelRead()
		s.cancelRead = nil
	}
	if s.cancelLife != nil {
		s.cancelLife()
		s.cancelLife = nil
	}
	conn := s.conn
	s.conn = nil
	s.connID = ""
	return conn
}

func (s *Session) current(gen uint64) bool {
	return !s.closed && gen == s.gen
}

func (s *Session) dial(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.machine.Transition(status.Connecting); err != nil {
		s.mu.Unlock()
		return err
	}
	chatID, credential := s.chatID, s.credential
	logger := s.logger.With(zap.Int64("chat_id", chatID))
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, chatID, credential)

	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		_ = s.machine.Transition(status.Disconnected)
		unreachable, attempt := s.scheduleLocked(gen)
		life := s.life
		s.mu.Unlock()
		logger.Warn("connect failed", zap.Error(err), zap.Int("attempt", attempt))
		if unreachable {
			s.giveUp(life, attempt, err)
		}
		return fmt.Errorf("connect chat %d: %w", chatID, err)
	}

	s.conn = conn
	s.attempt = 0
	s.connID = uuid.NewString()
	_ = s.machine.Transition(status.Connected)
	readCtx, cancel := context.WithCancel(s.life)
	s.cancelRead = cancel
	life := s.life
	logger = logger.With(zap.String("conn_id", s.connID))
	s.mu.Unlock()

	logger.Info("connected")
	s.metrics.SessionConnected(true)
	s.emit(life, Signal{Kind: SignalConnected})

	go s.readLoop(readCtx, gen, conn, logger)
	if s.heartbeat > 0 {
		go s.keepAlive(readCtx, conn, logger)
	}
	return nil
}

// scheduleLocked arms the reconnect timer, or reports that the attempts are
// exhausted. It returns the attempt count after scheduling.
func (s *Session) scheduleLocked(gen uint64) (unreachable bool, attempt int) {
	if s.attempt >= s.backoff.MaxAttempts {
		return true, s.attempt
	}
	delay := s.backoff.Delay(s.attempt)
	s.attempt++
	s.metrics.ReconnectScheduled()
	s.logger.Debug("reconnect scheduled",
		zap.Int64("chat_id", s.chatID),
		zap.Duration("delay", delay),
		zap.Int("attempt", s.attempt))
	s.timer = s.afterFunc(delay, func() { s.redial(gen) })
	return false, s.attempt
}

func (s *Session) redial(gen uint64) {
	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	life := s.life
	s.mu.Unlock()
	_ = s.dial(life, gen)
}

func (s *Session) giveUp(life context.Context, attempts int, err error) {
	s.logger.Warn("server unreachable, giving up", zap.Int("attempts", attempts), zap.Error(err))
	s.metrics.Unreachable()
	if s.bus != nil {
		s.mu.Lock()
		chatID := s.chatID
		s.mu.Unlock()
		s.bus.Publish(bus.Event{
			Kind:    bus.KindUnreachable,
			ChatID:  chatID,
			Payload: status.Unreachable{Attempts: attempts, Err: err},
		})
	}
	s.emit(life, Signal{Kind: SignalUnreachable, Err: err, Attempt: attempts})
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn Conn, logger *zap.Logger) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.dropped(gen, conn, err, logger)
			return
		}
		evt, err := wire.Decode(data)
		if err != nil {
			s.metrics.MalformedFrame()
			logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if !s.emit(ctx, Signal{Kind: SignalEvent, Event: evt}) {
			return
		}
	}
}

// dropped handles the end of a connection that was not closed by Close.
func (s *Session) dropped(gen uint64, conn Conn, cause error, logger *zap.Logger) {
	s.mu.Lock()
	if !s.current(gen) || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connID = ""
	if s.cancelRead != nil {
		s.cancelRead()
		s.cancelRead = nil
	}
	_ = s.machine.Transition(status.Disconnected)
	life := s.life
	s.mu.Unlock()

	_ = conn.Close()
	s.metrics.SessionConnected(false)
	logger.Info("connection lost", zap.Error(cause))
	s.emit(life, Signal{Kind: SignalDisconnected, Err: cause})

	s.mu.Lock()
	if !s.current(gen) {
		s.mu.Unlock()
		return
	}
	unreachable, attempt := s.scheduleLocked(gen)
	s.mu.Unlock()
	if unreachable {
		s.giveUp(life, attempt, cause)
	}
}

func (s *Session) keepAlive(ctx context.Context, conn Conn, logger *zap.Logger) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.heartbeat)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				logger.Warn("heartbeat failed, closing connection", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

// emit delivers sig unless ctx ends first.
func (s *Session) emit(ctx context.Context, sig Signal) bool {
	select {
	case s.signals <- sig:
		return true
	case <-ctx.Done():
		return false
	}
}
