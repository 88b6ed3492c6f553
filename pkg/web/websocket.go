package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ntsync/ntsync-go/pkg/bridge"
	"github.com/ntsync/ntsync-go/pkg/fanout"
	"github.com/ntsync/ntsync-go/pkg/topic"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypeWrite       = "write"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	EventValueChanged      = "value_changed"
	EventConnectionChanged = "connection_changed"

	wsSendBufferSize = 256
	wsMaxMessageSize = 64 << 10
	wsRequestTimeout = 10 * time.Second
)

// WSMessage is a message sent to or from a WebSocket client.
type WSMessage struct {
	Type      string       `json:"type"`
	ID        string       `json:"id,omitempty"`
	EventType string       `json:"event_type,omitempty"`
	Topic     string       `json:"topic,omitempty"`
	Value     *topic.Value `json:"value,omitempty"`
	Payload   any          `json:"payload,omitempty"`
}

// ValueEventPayload accompanies a value_changed event.
type ValueEventPayload struct {
	Timestamp int64  `json:"timestamp"`
	Origin    string `json:"origin"`
}

// ConnectionEventPayload is the payload of a connection_changed event.
type ConnectionEventPayload struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
	Error     string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub tracks WebSocket clients and broadcasts connection changes to all of
// them.
type Hub struct {
	engine *bridge.Engine
	logger *slog.Logger
	conns  *fanout.Registration[bridge.ConnectionChanged]

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

func newHub(engine *bridge.Engine, logger *slog.Logger) *Hub {
	h := &Hub{
		engine:  engine,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
	h.conns = engine.OnConnectionChanged(h.connectionChanged)
	return h
}

func (h *Hub) connectionChanged(ev bridge.ConnectionChanged) {
	payload := ConnectionEventPayload{
		State:     ev.State.String(),
		Connected: ev.Connected,
		Address:   ev.Address,
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	h.Broadcast(WSMessage{Type: WSTypeEvent, EventType: EventConnectionChanged, Payload: payload})
}

// Broadcast sends msg to every connected client.
func (h *Hub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients and stops listening for connection changes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	h.conns.Close()
	for c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// wsClient is one browser connection. Bindings are only touched by the
// read pump.
type wsClient struct {
	hub      *Hub
	conn     *websocket.Conn
	bindings map[topic.Name]*bridge.Binding

	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func newWSClient(hub *Hub, conn *websocket.Conn) *wsClient {
	return &wsClient{
		hub:      hub,
		conn:     conn,
		bindings: make(map[topic.Name]*bridge.Binding),
		send:     make(chan []byte, wsSendBufferSize),
		done:     make(chan struct{}),
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn)
	if !s.hub.register(c) {
		conn.Close()
		return
	}
	s.logger.Debug("websocket client connected", "remote", conn.RemoteAddr().String(), "clients", s.hub.ClientCount())

	go c.writePump(s.pingInterval, s.pongTimeout)
	go c.readPump(s.pingInterval, s.pongTimeout)
}

func (c *wsClient) readPump(pingInterval, pongWait time.Duration) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
		for name, b := range c.bindings {
			if err := b.Close(ctx); err != nil {
				c.hub.logger.Debug("release binding failed", "topic", name, "error", err)
			}
		}
		cancel()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait)) //nolint:errcheck
		c.handleMessage(data)
	}
}

func (c *wsClient) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			c.conn.WriteMessage(websocket.CloseMessage, nil)   //nolint:errcheck
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "INVALID_REQUEST", "invalid JSON message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsRequestTimeout)
	defer cancel()

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(ctx, msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(ctx, msg)
	case WSTypeWrite:
		c.handleWrite(ctx, msg)
	case WSTypePing:
		c.sendMessage(WSMessage{Type: WSTypePong, ID: msg.ID})
	default:
		c.sendError(msg.ID, "INVALID_REQUEST", "unknown message type: "+msg.Type)
	}
}

// handleSubscribe binds the topic once per client. The response carries
// the cached value when there is one.
func (c *wsClient) handleSubscribe(ctx context.Context, msg WSMessage) {
	name, err := topic.ParseName(msg.Topic)
	if err != nil {
		c.sendEngineError(msg.ID, err)
		return
	}

	b, ok := c.bindings[name]
	if !ok {
		b, err = c.hub.engine.Bind(ctx, name, c.valueChanged)
		if err != nil {
			c.sendEngineError(msg.ID, err)
			return
		}
		c.bindings[name] = b
	}

	resp := WSMessage{Type: WSTypeResponse, ID: msg.ID, Topic: name.String()}
	if v := b.Value(topic.Value{}); !v.IsZero() {
		resp.Value = &v
	}
	c.sendMessage(resp)
}

func (c *wsClient) handleUnsubscribe(ctx context.Context, msg WSMessage) {
	name := topic.Name(msg.Topic)
	b, ok := c.bindings[name]
	if ok {
		delete(c.bindings, name)
		if err := b.Close(ctx); err != nil {
			c.sendEngineError(msg.ID, err)
			return
		}
	}
	c.sendMessage(WSMessage{Type: WSTypeResponse, ID: msg.ID, Topic: msg.Topic,
		Payload: map[string]bool{"released": ok}})
}

func (c *wsClient) handleWrite(ctx context.Context, msg WSMessage) {
	name, err := topic.ParseName(msg.Topic)
	if err != nil {
		c.sendEngineError(msg.ID, err)
		return
	}
	if msg.Value == nil {
		c.sendError(msg.ID, "INVALID_REQUEST", "write requires a value")
		return
	}
	if err := c.hub.engine.Write(ctx, name, *msg.Value); err != nil {
		c.sendEngineError(msg.ID, err)
		return
	}
	c.sendMessage(WSMessage{Type: WSTypeResponse, ID: msg.ID, Topic: msg.Topic})
}

func (c *wsClient) valueChanged(ev bridge.ValueChanged) {
	v := ev.Value
	c.sendMessage(WSMessage{
		Type:      WSTypeEvent,
		EventType: EventValueChanged,
		Topic:     ev.Topic.String(),
		Value:     &v,
		Payload:   ValueEventPayload{Timestamp: ev.Timestamp, Origin: ev.Origin.String()},
	})
}

// sendMessage queues msg, waiting for room in the buffer. Value events and
// responses are never dropped; a slow client only delays its own
// listeners until it catches up or disconnects.
func (c *wsClient) sendMessage(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("failed to marshal websocket message", "error", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *wsClient) sendError(id, code, message string) {
	c.sendMessage(WSMessage{Type: WSTypeError, ID: id, Payload: Error{Code: code, Message: message}})
}

func (c *wsClient) sendEngineError(id string, err error) {
	c.sendMessage(WSMessage{Type: WSTypeError, ID: id, Payload: Error{
		Status:  httpStatus(err),
		Code:    codeFor(err),
		Message: err.Error(),
	}})
}

// trySend queues a broadcast without blocking. A full buffer drops it.
func (c *wsClient) trySend(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("websocket client too slow, dropping broadcast")
	}
}

func (c *wsClient) close() {
	c.doneOnce.Do(func() { close(c.done) })
}
