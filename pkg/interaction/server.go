package interaction

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ntsync/ntsync-go/pkg/bridge"
	"github.com/ntsync/ntsync-go/pkg/connection"
	"github.com/ntsync/ntsync-go/pkg/subscription"
	"github.com/ntsync/ntsync-go/pkg/topic"
	"github.com/ntsync/ntsync-go/pkg/wire"
)

// DefaultMaxListeners caps listeners per session.
const DefaultMaxListeners = 1024

// commandEngine is the part of bridge.Engine the server drives.
type commandEngine interface {
	Execute(ctx context.Context, cmd bridge.Command) (bridge.Result, error)
	OnValueChanged(name topic.Name, fn func(bridge.ValueChanged)) listener
	OnConnectionChanged(fn func(bridge.ConnectionChanged)) listener
}

// listener is a registration that can be closed.
type listener interface {
	Close()
}

// engineAdapter narrows the typed registrations of bridge.Engine.
type engineAdapter struct {
	*bridge.Engine
}

func (a engineAdapter) OnValueChanged(name topic.Name, fn func(bridge.ValueChanged)) listener {
	return a.Engine.OnValueChanged(name, fn)
}

func (a engineAdapter) OnConnectionChanged(fn func(bridge.ConnectionChanged)) listener {
	return a.Engine.OnConnectionChanged(fn)
}

// EventSink delivers an event to the session's peer.
type EventSink func(ev *wire.Event) error

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMaxListeners sets the per-session listener limit.
func WithMaxListeners(n int) ServerOption {
	return func(s *Server) { s.maxListeners = n }
}

// Server executes bridge requests from UI processes against one engine.
type Server struct {
	engine       commandEngine
	logger       *slog.Logger
	maxListeners int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewServer creates a request server for engine.
func NewServer(engine *bridge.Engine, opts ...ServerOption) *Server {
	return newServer(engineAdapter{engine}, opts...)
}

func newServer(engine commandEngine, opts ...ServerOption) *Server {
	s := &Server{
		engine:       engine,
		logger:       slog.Default(),
		maxListeners: DefaultMaxListeners,
		sessions:     make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open starts a session for one UI connection. Events for the session's
// listeners are passed to sink.
func (s *Server) Open(connID string, sink EventSink) *Session {
	sess := &Session{
		id:        connID,
		server:    s,
		sink:      sink,
		handles:   make(map[uint64]subscription.Handle),
		listeners: make(map[uint64]listener),
	}
	s.mu.Lock()
	s.sessions[connID] = sess
	s.mu.Unlock()
	s.logger.Debug("bridge session opened", "conn", connID)
	return sess
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Session is one UI connection. It owns the subscription handles and
// listeners it created; Close releases all of them.
type Session struct {
	id     string
	server *Server
	sink   EventSink

	mu        sync.Mutex
	handles   map[uint64]subscription.Handle
	listeners map[uint64]listener
	closed    bool

	nextListener atomic.Uint64
}

// ID returns the connection ID the session was opened with.
func (s *Session) ID() string { return s.id }

// HandleFrame decodes one request frame and returns the encoded response.
// Frames that do not decode at all produce no response.
func (s *Session) HandleFrame(ctx context.Context, data []byte) ([]byte, error) {
	req, err := wire.DecodeRequest(data)
	if req == nil {
		return nil, err
	}
	var resp *wire.Response
	if err != nil {
		resp = wire.NewErrorResponse(req.MessageID, wire.StatusInvalidRequest, err)
	} else {
		resp = s.HandleRequest(ctx, req)
	}
	return wire.EncodeResponse(resp)
}

// HandleRequest executes req and builds its response.
func (s *Session) HandleRequest(ctx context.Context, req *wire.Request) *wire.Response {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return wire.NewErrorResponse(req.MessageID, wire.StatusUnavailable, errSessionClosed)
	}

	payload, err := s.dispatch(ctx, req)
	if err != nil {
		status := StatusFor(err)
		s.server.logger.Debug("bridge request failed",
			"conn", s.id, "op", req.Op, "topic", req.Topic, "status", status, "error", err)
		return wire.NewErrorResponse(req.MessageID, status, err)
	}
	resp, err := wire.NewResponse(req.MessageID, payload)
	if err != nil {
		return wire.NewErrorResponse(req.MessageID, wire.StatusInternal, err)
	}
	return resp
}

var errSessionClosed = errors.New("session closed")

func (s *Session) dispatch(ctx context.Context, req *wire.Request) (any, error) {
	engine := s.server.engine
	name := topic.Name(req.Topic)

	switch req.Op {
	case wire.OpConnect:
		_, err := engine.Execute(ctx, bridge.Command{Op: bridge.OpConnect, Address: req.Address})
		return nil, err

	case wire.OpDisconnect:
		_, err := engine.Execute(ctx, bridge.Command{Op: bridge.OpDisconnect})
		return nil, err

	case wire.OpSubscribe:
		res, err := engine.Execute(ctx, bridge.Command{Op: bridge.OpSubscribe, Topic: name})
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			engine.Execute(ctx, bridge.Command{Op: bridge.OpUnsubscribe, Handle: res.Handle.ID()})
			return nil, errSessionClosed
		}
		s.handles[res.Handle.ID()] = res.Handle
		s.mu.Unlock()
		return wire.SubscribePayload{Handle: res.Handle.ID()}, nil

	case wire.OpUnsubscribe:
		h, ok := s.takeHandle(req.Handle, name)
		if !ok {
			return wire.UnsubscribePayload{Released: false}, nil
		}
		res, err := engine.Execute(ctx, bridge.Command{Op: bridge.OpUnsubscribe, Handle: h.ID()})
		return wire.UnsubscribePayload{Released: res.Released}, err

	case wire.OpWrite:
		v, err := wire.ValueOf(req.Value)
		if err != nil {
			return nil, err
		}
		_, err = engine.Execute(ctx, bridge.Command{Op: bridge.OpWrite, Topic: name, Value: v})
		return nil, err

	case wire.OpGet:
		res, err := engine.Execute(ctx, bridge.Command{Op: bridge.OpGet, Topic: name})
		if err != nil || !res.Found {
			return wire.GetPayload{}, err
		}
		return wire.GetPayload{
			Found:     true,
			Value:     wire.FromValue(res.Entry.Value),
			Timestamp: res.Entry.Timestamp,
			Origin:    res.Entry.Origin.String(),
		}, nil

	case wire.OpListen:
		id, err := s.listen(name)
		if err != nil {
			return nil, err
		}
		return wire.ListenPayload{Listener: id}, nil

	case wire.OpUnlisten:
		s.mu.Lock()
		l, ok := s.listeners[req.Handle]
		delete(s.listeners, req.Handle)
		s.mu.Unlock()
		if ok {
			l.Close()
		}
		return nil, nil

	default:
		return nil, errUnknownOp
	}
}

var errUnknownOp = errors.New("unknown operation")

// takeHandle removes and returns a handle owned by this session: the one
// with the given ID, or else the oldest one held for name.
func (s *Session) takeHandle(id uint64, name topic.Name) (subscription.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != 0 {
		h, ok := s.handles[id]
		if ok {
			delete(s.handles, id)
		}
		return h, ok
	}

	var found subscription.Handle
	for hid, h := range s.handles {
		if h.Topic() == name && (found.IsZero() || hid < found.ID()) {
			found = h
		}
	}
	if found.IsZero() {
		return found, false
	}
	delete(s.handles, found.ID())
	return found, true
}

func (s *Session) listen(name topic.Name) (uint64, error) {
	s.mu.Lock()
	if len(s.listeners) >= s.server.maxListeners {
		s.mu.Unlock()
		return 0, subscription.ErrResourceExhausted
	}
	s.mu.Unlock()

	id := s.nextListener.Add(1)
	var l listener
	if name == "" {
		l = s.server.engine.OnConnectionChanged(func(ev bridge.ConnectionChanged) {
			s.emit(&wire.Event{
				Kind:      wire.EventConnectionChanged,
				Connected: ev.Connected,
				State:     ev.State.String(),
				Listener:  id,
			})
		})
	} else {
		if _, err := topic.ParseName(string(name)); err != nil {
			return 0, err
		}
		l = s.server.engine.OnValueChanged(name, func(ev bridge.ValueChanged) {
			s.emit(&wire.Event{
				Kind:      wire.EventValueChanged,
				Topic:     string(ev.Topic),
				Value:     wire.FromValue(ev.Value),
				Timestamp: ev.Timestamp,
				Listener:  id,
			})
		})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return 0, errSessionClosed
	}
	s.listeners[id] = l
	s.mu.Unlock()
	return id, nil
}

func (s *Session) emit(ev *wire.Event) {
	if err := s.sink(ev); err != nil {
		s.server.logger.Debug("event not delivered", "conn", s.id, "kind", ev.Kind, "error", err)
	}
}

// Close releases every handle and listener the session holds. It is safe
// to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := s.handles
	listeners := s.listeners
	s.handles = nil
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, h := range handles {
		if _, err := s.server.engine.Execute(ctx, bridge.Command{Op: bridge.OpUnsubscribe, Handle: h.ID()}); err != nil {
			s.server.logger.Warn("release on disconnect failed", "conn", s.id, "topic", h.Topic(), "error", err)
		}
	}

	s.server.mu.Lock()
	delete(s.server.sessions, s.id)
	s.server.mu.Unlock()
	s.server.logger.Debug("bridge session closed",
		"conn", s.id, "handles", len(handles), "listeners", len(listeners))
}

// StatusFor maps an engine error to a response status.
func StatusFor(err error) wire.Status {
	var connErr *connection.ConnectError
	var writeErr *bridge.WriteError
	switch {
	case err == nil:
		return wire.StatusSuccess
	case errors.Is(err, topic.ErrInvalidName):
		return wire.StatusInvalidTopic
	case errors.Is(err, topic.ErrUnsupportedValue):
		return wire.StatusInvalidValue
	case errors.Is(err, topic.ErrTypeMismatch):
		return wire.StatusTypeMismatch
	case errors.As(err, &connErr), errors.Is(err, connection.ErrInvalidAddress):
		return wire.StatusConnectFailed
	case errors.Is(err, subscription.ErrResourceExhausted):
		return wire.StatusResourceExhausted
	case errors.Is(err, subscription.ErrSubscribeFailed):
		return wire.StatusSubscribeFailed
	case errors.As(err, &writeErr):
		return wire.StatusWriteFailed
	case errors.Is(err, bridge.ErrClosed), errors.Is(err, errSessionClosed):
		return wire.StatusUnavailable
	case errors.Is(err, errUnknownOp):
		return wire.StatusInvalidRequest
	default:
		return wire.StatusInternal
	}
}
