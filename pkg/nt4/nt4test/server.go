// Package nt4test provides an in-process NetworkTables 4 server for tests.
//
// The server speaks enough of the protocol to exercise a client: it accepts
// the WebSocket upgrade, answers time-sync pings, records subscribe,
// publish and value messages, and pushes announced topic values to
// subscribed clients.
package nt4test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Received is a value published by a client.
type Received struct {
	Topic     string
	Timestamp int64
	Type      int
	Value     any
}

type topicInfo struct {
	id  int64
	typ string
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[int64][]string
	pubs map[int64]string
}

func (c *serverConn) send(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

func (c *serverConn) subscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topics := range c.subs {
		for _, t := range topics {
			if t == name {
				return true
			}
		}
	}
	return false
}

// Server is a fake NT4 server.
type Server struct {
	http *httptest.Server

	subprotocol string

	// DropTimeSync makes the server ignore time-sync pings.
	DropTimeSync atomic.Bool

	// ServerTimeOffset is added to the local clock to produce server time.
	ServerTimeOffset atomic.Int64

	upgrader websocket.Upgrader

	mu           sync.Mutex
	conns        map[*serverConn]struct{}
	topics       map[string]topicInfo
	nextID       int64
	subscribes   map[string]int
	unsubscribes int
	published    []Received
	clientNames  []string
}

// Option configures a Server.
type Option func(*Server)

// WithSubprotocol makes the server select proto instead of the first
// subprotocol the client offers.
func WithSubprotocol(proto string) Option {
	return func(s *Server) { s.subprotocol = proto }
}

// NewServer starts a server. Call Close when done.
func NewServer(opts ...Option) *Server {
	s := &Server{
		conns:      make(map[*serverConn]struct{}),
		topics:     make(map[string]topicInfo),
		subscribes: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// Address returns host:port of the server.
func (s *Server) Address() string {
	return strings.TrimPrefix(s.http.URL, "http://")
}

// Close disconnects every client and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/nt/") {
		http.NotFound(w, r)
		return
	}

	up := s.upgrader
	if s.subprotocol != "" {
		up.Subprotocols = []string{s.subprotocol}
	} else {
		up.Subprotocols = websocket.Subprotocols(r)
	}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &serverConn{ws: ws, subs: make(map[int64][]string), pubs: make(map[int64]string)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.clientNames = append(s.clientNames, strings.TrimPrefix(r.URL.Path, "/nt/"))
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.TextMessage:
			s.handleText(c, data)
		case websocket.BinaryMessage:
			s.handleBinary(c, data)
		}
	}
}

type message struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleText(c *serverConn, data []byte) {
	var msgs []message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return
	}
	for _, m := range msgs {
		switch m.Method {
		case "subscribe":
			var p struct {
				Topics []string `json:"topics"`
				SubUID int64    `json:"subuid"`
			}
			if json.Unmarshal(m.Params, &p) != nil {
				continue
			}
			s.mu.Lock()
			var announce []map[string]any
			for _, name := range p.Topics {
				if t, ok := s.topics[name]; ok {
					announce = append(announce, announceMsg(name, t))
				}
			}
			s.mu.Unlock()
			if len(announce) > 0 {
				_ = s.sendJSON(c, announce)
			}

			// Recorded after the announce so a Push never overtakes it.
			c.mu.Lock()
			c.subs[p.SubUID] = p.Topics
			c.mu.Unlock()
			s.mu.Lock()
			for _, name := range p.Topics {
				s.subscribes[name]++
			}
			s.mu.Unlock()

		case "unsubscribe":
			var p struct {
				SubUID int64 `json:"subuid"`
			}
			if json.Unmarshal(m.Params, &p) != nil {
				continue
			}
			c.mu.Lock()
			delete(c.subs, p.SubUID)
			c.mu.Unlock()
			s.mu.Lock()
			s.unsubscribes++
			s.mu.Unlock()

		case "publish":
			var p struct {
				Name   string `json:"name"`
				PubUID int64  `json:"pubuid"`
				Type   string `json:"type"`
			}
			if json.Unmarshal(m.Params, &p) != nil {
				continue
			}
			c.mu.Lock()
			c.pubs[p.PubUID] = p.Name
			c.mu.Unlock()

		case "unpublish":
			var p struct {
				PubUID int64 `json:"pubuid"`
			}
			if json.Unmarshal(m.Params, &p) != nil {
				continue
			}
			c.mu.Lock()
			delete(c.pubs, p.PubUID)
			c.mu.Unlock()
		}
	}
}

func (s *Server) handleBinary(c *serverConn, data []byte) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	for {
		n, err := dec.DecodeArrayLen()
		if err != nil || n != 4 {
			return
		}
		id, err1 := dec.DecodeInt64()
		ts, err2 := dec.DecodeInt64()
		typ, err3 := dec.DecodeInt()
		val, err4 := dec.DecodeInterfaceLoose()
		if err := errors.Join(err1, err2, err3, err4); err != nil {
			return
		}

		if id == -1 {
			if s.DropTimeSync.Load() {
				continue
			}
			reply, err := encode(-1, s.Now(), typ, val)
			if err == nil {
				_ = c.send(websocket.BinaryMessage, reply)
			}
			continue
		}

		c.mu.Lock()
		name := c.pubs[id]
		c.mu.Unlock()
		s.mu.Lock()
		s.published = append(s.published, Received{Topic: name, Timestamp: ts, Type: typ, Value: val})
		s.mu.Unlock()
	}
}

func announceMsg(name string, t topicInfo) map[string]any {
	return map[string]any{
		"method": "announce",
		"params": map[string]any{"name": name, "id": t.id, "type": t.typ, "properties": map[string]any{}},
	}
}

func (s *Server) sendJSON(c *serverConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(websocket.TextMessage, data)
}

func encode(id, ts int64, typ int, value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(4); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(id); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(ts); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(typ)); err != nil {
		return nil, err
	}
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Now returns the current server time in microseconds.
func (s *Server) Now() int64 {
	return time.Now().UnixMicro() + s.ServerTimeOffset.Load()
}

func (s *Server) connections() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Announce creates a topic and announces it to clients subscribed to it.
// It returns the topic id.
func (s *Server) Announce(name, typ string) int64 {
	s.mu.Lock()
	t, ok := s.topics[name]
	if !ok {
		s.nextID++
		t = topicInfo{id: s.nextID, typ: typ}
		s.topics[name] = t
	}
	s.mu.Unlock()

	for _, c := range s.connections() {
		if c.subscribed(name) {
			_ = s.sendJSON(c, []map[string]any{announceMsg(name, t)})
		}
	}
	return t.id
}

// Push sends a value update to every client subscribed to name. The topic
// must have been announced.
func (s *Server) Push(name string, ts int64, typ int, value any) error {
	return s.push(name, ts, typ, value, true)
}

// PushAll sends a value update to every client whether or not it is
// subscribed, like a server racing an unsubscribe.
func (s *Server) PushAll(name string, ts int64, typ int, value any) error {
	return s.push(name, ts, typ, value, false)
}

func (s *Server) push(name string, ts int64, typ int, value any, subscribedOnly bool) error {
	s.mu.Lock()
	t, ok := s.topics[name]
	s.mu.Unlock()
	if !ok {
		return errors.New("nt4test: topic not announced: " + name)
	}
	frame, err := encode(t.id, ts, typ, value)
	if err != nil {
		return err
	}
	for _, c := range s.connections() {
		if !subscribedOnly || c.subscribed(name) {
			_ = c.send(websocket.BinaryMessage, frame)
		}
	}
	return nil
}

// SendRaw writes a raw frame to every client.
func (s *Server) SendRaw(messageType int, data []byte) {
	for _, c := range s.connections() {
		_ = c.send(messageType, data)
	}
}

// DropConnections closes every client socket without a close handshake.
func (s *Server) DropConnections() {
	for _, c := range s.connections() {
		_ = c.ws.UnderlyingConn().Close()
	}
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ClientNames returns the client names from every upgrade path.
func (s *Server) ClientNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clientNames...)
}

// Subscribes returns how many subscribe messages named topic.
func (s *Server) Subscribes(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes[name]
}

// Unsubscribes returns the total number of unsubscribe messages.
func (s *Server) Unsubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribes
}

// Subscribed reports whether any client is currently subscribed to name.
func (s *Server) Subscribed(name string) bool {
	for _, c := range s.connections() {
		if c.subscribed(name) {
			return true
		}
	}
	return false
}

// Published returns the values clients have published.
func (s *Server) Published() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.published...)
}
