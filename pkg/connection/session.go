package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ntsync/ntsync-go/pkg/fanout"
	plog "github.com/ntsync/ntsync-go/pkg/log"
	"github.com/ntsync/ntsync-go/pkg/metrics"
	"github.com/ntsync/ntsync-go/pkg/topic"
)

// DefaultConnectTimeout bounds a single dial.
const DefaultConnectTimeout = 3 * time.Second

// DefaultMaxAttempts is used when reconnection is enabled without a limit.
const DefaultMaxAttempts = 5

// State is the session's connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// StateChange is one transition. Err is set when the transition was caused
// by a failure.
type StateChange struct {
	Old     State
	New     State
	Address string
	Err     error
}

// Handler receives value pushes from the server.
type Handler interface {
	HandleValue(name topic.Name, v topic.Value, timestamp int64)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(name topic.Name, v topic.Value, timestamp int64)

// HandleValue calls f.
func (f HandlerFunc) HandleValue(name topic.Name, v topic.Value, timestamp int64) {
	f(name, v, timestamp)
}

// Conn is a live wire connection produced by a Dialer.
type Conn interface {
	Subscribe(ctx context.Context, name topic.Name) error
	Unsubscribe(ctx context.Context, name topic.Name) error
	Publish(ctx context.Context, name topic.Name, v topic.Value, timestamp int64) error
	// ServerTime estimates the server clock in microseconds. ok reports
	// whether the clock has been synchronized with the server.
	ServerTime() (ts int64, ok bool)
	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}
	// Err reports why the connection ended.
	Err() error
	Close() error
}

// Dialer opens wire connections. address is host:port.
type Dialer interface {
	Dial(ctx context.Context, address string, h Handler) (Conn, error)
}

// ReconnectPolicy controls automatic reconnection after an unexpected loss.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	Backoff     BackoffConfig
}

// Config configures a Session.
type Config struct {
	ConnectTimeout time.Duration
	Reconnect      ReconnectPolicy

	// BeforeConnected runs after a successful dial and before the
	// CONNECTED transition is published.
	BeforeConnected func()

	Logger         *slog.Logger
	ProtocolLogger plog.Logger
}

// Session owns the wire connection.
type Session struct {
	mu      sync.Mutex
	state   State
	address string
	conn    Conn
	cancel  context.CancelFunc
	closed  bool
	offset  int64

	// gen increments whenever the current attempt or connection is
	// abandoned. Work started under an older generation is discarded.
	gen atomic.Uint64

	id      string
	dialer  Dialer
	handler Handler
	config  Config
	backoff *Backoff
	events  *fanout.Hub[struct{}, StateChange]
	logger  *slog.Logger
	capture plog.Logger
}

// NewSession creates a disconnected session. Pushes from any connection it
// opens are passed to h.
func NewSession(d Dialer, h Handler, cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Reconnect.Enabled && cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:      uuid.NewString(),
		dialer:  d,
		handler: h,
		config:  cfg,
		backoff: NewBackoffWithConfig(cfg.Reconnect.Backoff, cfg.Reconnect.MaxAttempts),
		events:  fanout.NewHub[struct{}, StateChange](fanout.Hooks{}),
		logger:  logger.With("component", "session"),
		capture: plog.OrNoop(cfg.ProtocolLogger),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address returns the normalized address of the current or last target.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// OnStateChange registers fn for every transition, delivered in order.
func (s *Session) OnStateChange(fn func(StateChange)) *fanout.Registration[StateChange] {
	return s.events.Register(struct{}{}, fn)
}

// Connect dials address. It returns nil without dialing when the session is
// already connecting or connected to the same address. A different address
// tears down the current attempt or connection first.
func (s *Session) Connect(ctx context.Context, address string) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.address == addr && (s.state == StateConnecting || s.state == StateConnected) {
		s.mu.Unlock()
		return nil
	}

	old := s.abandonLocked()
	gen := s.gen.Load()
	dctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	s.cancel = cancel
	s.address = addr
	s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()
	defer cancel()

	if old != nil {
		_ = old.Close()
	}

	return s.dial(dctx, gen, addr)
}

// dial performs one attempt for generation gen and installs the result.
func (s *Session) dial(ctx context.Context, gen uint64, addr string) error {
	s.logger.Info("connecting", "address", addr)
	conn, err := s.dialer.Dial(ctx, addr, &genHandler{s: s, gen: gen})
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		if s.gen.Load() != gen {
			err = ErrSuperseded
		}
		cerr := newConnectError(addr, err)

		s.mu.Lock()
		if s.gen.Load() == gen {
			s.setStateLocked(StateDisconnected, cerr)
		}
		s.mu.Unlock()

		s.logger.Warn("connect failed", "address", addr, "kind", cerr.Kind.String(), "error", err)
		return cerr
	}

	if s.gen.Load() == gen && s.config.BeforeConnected != nil {
		s.config.BeforeConnected()
	}

	s.mu.Lock()
	if s.gen.Load() != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return newConnectError(addr, ErrSuperseded)
	}
	s.conn = conn
	s.backoff.Reset()
	s.setStateLocked(StateConnected, nil)
	s.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	s.logger.Info("connected", "address", addr)
	go s.watch(gen, conn)
	return nil
}

// watch waits for conn to end and handles an unexpected loss.
func (s *Session) watch(gen uint64, conn Conn) {
	<-conn.Done()

	s.mu.Lock()
	if s.gen.Load() != gen || s.conn != conn {
		s.mu.Unlock()
		return
	}
	cause := conn.Err()
	s.rememberOffsetLocked(conn)
	s.conn = nil
	s.gen.Add(1)
	s.setStateLocked(StateDisconnected, cause)

	policy := s.config.Reconnect
	var rctx context.Context
	if policy.Enabled && !s.closed {
		var cancel context.CancelFunc
		rctx, cancel = context.WithCancel(context.Background())
		s.cancel = cancel
	}
	next := s.gen.Load()
	addr := s.address
	s.mu.Unlock()

	s.logger.Warn("connection lost", "address", addr, "error", cause)
	if rctx != nil {
		go s.reconnect(rctx, next, addr)
	}
}

// reconnect retries addr on the backoff schedule until it succeeds, the
// attempt budget is spent or the attempt is superseded.
func (s *Session) reconnect(ctx context.Context, gen uint64, addr string) {
	for attempt := 1; ; attempt++ {
		delay, ok := s.backoff.Next()
		if !ok {
			break
		}
		s.logger.Info("reconnecting", "address", addr, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		if s.gen.Load() != gen {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateConnecting, nil)
		s.mu.Unlock()

		dctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
		err := s.dial(dctx, gen, addr)
		cancel()
		if err == nil {
			return
		}
		var cerr *ConnectError
		if errors.As(err, &cerr) && cerr.Kind == KindCanceled {
			return
		}
	}
	s.logger.Warn("reconnect attempts exhausted", "address", addr, "attempts", s.config.Reconnect.MaxAttempts)
}

// Disconnect closes the connection and stops any reconnect loop.
func (s *Session) Disconnect() {
	s.mu.Lock()
	old := s.abandonLocked()
	s.address = ""
	if s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected, nil)
	}
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}

// Close disconnects and releases every state listener.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Disconnect()
	s.events.Close()
}

// abandonLocked invalidates the current generation and detaches the
// connection. The caller closes the returned connection outside the lock.
func (s *Session) abandonLocked() Conn {
	s.gen.Add(1)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	old := s.conn
	if old != nil {
		s.rememberOffsetLocked(old)
	}
	s.conn = nil
	return old
}

func (s *Session) setStateLocked(next State, cause error) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next

	metrics.ConnectionState.Set(float64(next))
	if next == StateDisconnected {
		metrics.Disconnects.Inc()
	}

	ev := plog.Event{
		Timestamp:    time.Now(),
		ConnectionID: s.id,
		Layer:        plog.LayerSession,
		Category:     plog.CategoryState,
		RemoteAddr:   s.address,
		StateChange:  &plog.StateChangeEvent{OldState: prev.String(), NewState: next.String()},
	}
	if cause != nil {
		ev.StateChange.Reason = cause.Error()
	}
	s.capture.Log(ev)

	s.events.Publish(struct{}{}, StateChange{Old: prev, New: next, Address: s.address, Err: cause})
}

func (s *Session) current() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Subscribe issues a wire subscribe on the live connection.
func (s *Session) Subscribe(ctx context.Context, name topic.Name) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	return c.Subscribe(ctx, name)
}

// Unsubscribe issues a wire unsubscribe on the live connection.
func (s *Session) Unsubscribe(ctx context.Context, name topic.Name) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	return c.Unsubscribe(ctx, name)
}

// Publish sends a value on the live connection.
func (s *Session) Publish(ctx context.Context, name topic.Name, v topic.Value, timestamp int64) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	return c.Publish(ctx, name, v, timestamp)
}

// ServerTime estimates the server clock in microseconds. ok is true only
// while a live connection has synchronized its clock. Without a live
// connection the last known offset is applied to the local clock and ok is
// false, since the server may have restarted in the meantime.
func (s *Session) ServerTime() (ts int64, ok bool) {
	s.mu.Lock()
	c, offset := s.conn, s.offset
	s.mu.Unlock()
	if c != nil {
		return c.ServerTime()
	}
	return time.Now().UnixMicro() + offset, false
}

func (s *Session) rememberOffsetLocked(c Conn) {
	if ts, ok := c.ServerTime(); ok {
		s.offset = ts - time.Now().UnixMicro()
	}
}

// genHandler drops pushes from connections that are no longer current.
type genHandler struct {
	s   *Session
	gen uint64
}

func (h *genHandler) HandleValue(name topic.Name, v topic.Value, timestamp int64) {
	if h.s.gen.Load() != h.gen || h.s.handler == nil {
		return
	}
	h.s.handler.HandleValue(name, v, timestamp)
}
