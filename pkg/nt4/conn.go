package nt4

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ntsync/ntsync-go/pkg/connection"
	plog "github.com/ntsync/ntsync-go/pkg/log"
	"github.com/ntsync/ntsync-go/pkg/metrics"
	"github.com/ntsync/ntsync-go/pkg/topic"
	"github.com/ntsync/ntsync-go/pkg/transport"
	"github.com/ntsync/ntsync-go/pkg/version"
)

const (
	// DefaultClientName is used when Dialer.ClientName is empty.
	DefaultClientName = "ntsync"

	writeTimeout = 2 * time.Second
)

// Dialer opens NT4 connections. It implements connection.Dialer.
type Dialer struct {
	// ClientName identifies this client to the server. A random suffix is
	// appended so several instances can share a name.
	ClientName string
	KeepAlive  KeepAliveConfig

	// WebSocket overrides the gorilla dialer, mainly for tests.
	WebSocket *websocket.Dialer

	Logger         *slog.Logger
	ProtocolLogger plog.Logger
}

var _ connection.Dialer = (*Dialer)(nil)

// URL returns the WebSocket URL for address (host:port).
func (d *Dialer) URL(address string) string {
	name := d.ClientName
	if name == "" {
		name = DefaultClientName
	}
	u := url.URL{Scheme: "ws", Host: address, Path: "/nt/" + name + "-" + uuid.NewString()[:8]}
	return u.String()
}

// Dial connects to address and starts the read and keep-alive loops.
// ctx bounds only the handshake.
func (d *Dialer) Dial(ctx context.Context, address string, h connection.Handler) (connection.Conn, error) {
	wsd := d.WebSocket
	if wsd == nil {
		wsd = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: connection.DefaultConnectTimeout,
		}
	}
	dialer := *wsd
	dialer.Subprotocols = version.SupportedSubprotocols()

	ws, resp, err := dialer.DialContext(ctx, d.URL(address), nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			return nil, fmt.Errorf("%w: http status %d: %w", connection.ErrHandshake, status, err)
		}
		return nil, err
	}

	proto, err := version.Negotiated(ws.Subprotocol())
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("%w: %w", connection.ErrHandshake, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		id:      uuid.NewString(),
		ws:      ws,
		addr:    address,
		proto:   proto,
		handler: h,
		topics:  make(map[int64]announced),
		subs:    make(map[topic.Name]int64),
		pubs:    make(map[topic.Name]publisher),
		done:    make(chan struct{}),
		capture: plog.OrNoop(d.ProtocolLogger),
	}
	c.logger = logger.With("component", "nt4", "conn_id", c.id, "address", address)
	c.keepAlive = newKeepAlive(d.KeepAlive, c.sendTimeSync, func() { c.fail(ErrKeepAliveTimeout) }, c.synced)

	go c.readLoop()
	c.keepAlive.start()
	c.logger.Debug("nt4 connected", "protocol", proto.String())
	return c, nil
}

type announced struct {
	name topic.Name
	typ  string
}

type publisher struct {
	uid  int64
	kind topic.Kind
}

// Conn is one NT4 WebSocket connection. It implements connection.Conn.
type Conn struct {
	id      string
	ws      *websocket.Conn
	addr    string
	proto   version.ProtocolVersion
	handler connection.Handler
	logger  *slog.Logger
	capture plog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	topics  map[int64]announced
	subs    map[topic.Name]int64
	pubs    map[topic.Name]publisher
	nextUID int64

	offset    atomic.Int64
	hasSync   atomic.Bool
	rtt       atomic.Int64
	keepAlive *keepAlive

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

var _ connection.Conn = (*Conn)(nil)

// ID returns the connection's capture identifier.
func (c *Conn) ID() string { return c.id }

// Protocol returns the negotiated protocol version.
func (c *Conn) Protocol() version.ProtocolVersion { return c.proto }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, or nil.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// ServerTime estimates the server clock in microseconds. ok is false until
// the first time-sync reply; the estimate is then the local clock, which
// has nothing to do with the robot's boot-relative clock.
func (c *Conn) ServerTime() (ts int64, ok bool) {
	return time.Now().UnixMicro() + c.offset.Load(), c.hasSync.Load()
}

// RTT returns the last measured round-trip time.
func (c *Conn) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.keepAlive.stop()

		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))

		_ = c.ws.Close()
		c.capture.Log(c.event(plog.DirectionOut, plog.LayerSocket, plog.CategoryControl, func(e *plog.Event) {
			e.Control = &plog.ControlEvent{Type: plog.ControlClose, CloseCode: websocket.CloseNormalClosure}
		}))
		close(c.done)
	})
	return nil
}

// fail records err as the cause and closes the connection. Errors that
// follow a local Close are not recorded.
func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil && !c.closed() {
		c.err = err
	}
	c.errMu.Unlock()
	_ = c.Close()
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Subscribe asks the server for value updates on name.
func (c *Conn) Subscribe(ctx context.Context, name topic.Name) error {
	c.mu.Lock()
	if _, ok := c.subs[name]; ok {
		c.mu.Unlock()
		return nil
	}
	c.nextUID++
	uid := c.nextUID
	c.subs[name] = uid
	c.mu.Unlock()

	err := c.sendText(ctx, MethodSubscribe, subscribeParams{Topics: []string{string(name)}, SubUID: uid}, string(name), uid)
	if err != nil {
		c.mu.Lock()
		delete(c.subs, name)
		c.mu.Unlock()
	}
	return err
}

// Unsubscribe cancels the subscription for name. Unknown names are a no-op.
func (c *Conn) Unsubscribe(ctx context.Context, name topic.Name) error {
	c.mu.Lock()
	uid, ok := c.subs[name]
	delete(c.subs, name)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.sendText(ctx, MethodUnsubscribe, unsubscribeParams{SubUID: uid}, string(name), uid)
}

// Publish sends v for name, announcing a publisher on first use.
func (c *Conn) Publish(ctx context.Context, name topic.Name, v topic.Value, timestamp int64) error {
	uid, err := c.publisher(ctx, name, v.Kind())
	if err != nil {
		return err
	}

	typ, payload := fromValue(v)
	frame, err := encodeValues(valueMessage{ID: uid, Timestamp: timestamp, Type: typ, Value: payload})
	if err != nil {
		return err
	}
	if err := c.write(ctx, websocket.BinaryMessage, frame); err != nil {
		return err
	}
	c.capture.Log(c.event(plog.DirectionOut, plog.LayerNT4, plog.CategoryMessage, func(e *plog.Event) {
		e.Message = &plog.MessageEvent{Topic: string(name), UID: uid, ServerTS: timestamp, Value: payload}
	}))
	return nil
}

// publisher returns the pubuid for name, sending publish (and unpublish
// when the kind changed) as needed.
func (c *Conn) publisher(ctx context.Context, name topic.Name, kind topic.Kind) (int64, error) {
	typ, err := typeName(kind)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	pub, ok := c.pubs[name]
	if ok && pub.kind == kind {
		c.mu.Unlock()
		return pub.uid, nil
	}
	delete(c.pubs, name)
	c.nextUID++
	uid := c.nextUID
	c.mu.Unlock()

	if ok {
		if err := c.sendText(ctx, MethodUnpublish, unpublishParams{PubUID: pub.uid}, string(name), pub.uid); err != nil {
			return 0, err
		}
	}
	params := publishParams{Name: string(name), PubUID: uid, Type: typ, Properties: map[string]any{}}
	if err := c.sendText(ctx, MethodPublish, params, string(name), uid); err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.pubs[name] = publisher{uid: uid, kind: kind}
	c.mu.Unlock()
	return uid, nil
}

func (c *Conn) sendText(ctx context.Context, method string, params any, name string, uid int64) error {
	frame, err := encodeText(method, params)
	if err != nil {
		return err
	}
	if err := c.write(ctx, websocket.TextMessage, frame); err != nil {
		return err
	}
	c.capture.Log(c.event(plog.DirectionOut, plog.LayerNT4, plog.CategoryMessage, func(e *plog.Event) {
		e.Message = &plog.MessageEvent{Method: method, Topic: name, UID: uid}
	}))
	return nil
}

func (c *Conn) sendTimeSync(clientUs int64) error {
	frame, err := encodeValues(valueMessage{ID: TimeSyncID, Timestamp: 0, Type: TypeInt, Value: clientUs})
	if err != nil {
		return err
	}
	if err := c.write(context.Background(), websocket.BinaryMessage, frame); err != nil {
		return err
	}
	c.capture.Log(c.event(plog.DirectionOut, plog.LayerNT4, plog.CategoryControl, func(e *plog.Event) {
		e.Control = &plog.ControlEvent{Type: plog.ControlTimeSyncRequest}
	}))
	return nil
}

func (c *Conn) synced(rtt time.Duration, offset int64) {
	c.rtt.Store(int64(rtt))
	c.offset.Store(offset)
	c.hasSync.Store(true)
	c.capture.Log(c.event(plog.DirectionIn, plog.LayerNT4, plog.CategoryControl, func(e *plog.Event) {
		e.Control = &plog.ControlEvent{Type: plog.ControlTimeSyncResponse, RTT: rtt, Offset: offset}
	}))
}

// write sends one frame. gorilla/websocket allows a single concurrent writer.
func (c *Conn) write(ctx context.Context, messageType int, data []byte) error {
	if c.closed() {
		return fmt.Errorf("%w: %w", connection.ErrNotConnected, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		go c.fail(err)
		return fmt.Errorf("nt4 write: %w", err)
	}
	c.capture.Log(c.event(plog.DirectionOut, plog.LayerSocket, plog.CategoryMessage, func(e *plog.Event) {
		e.Frame = plog.NewFrameEvent(data, messageType == websocket.BinaryMessage)
	}))
	return nil
}

func (c *Conn) readLoop() {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed() || transport.IsExpectedCloseError(err) {
				c.logger.Debug("nt4 read loop ended", "error", err)
			} else {
				c.logger.Warn("nt4 read failed", "error", err)
			}
			c.fail(err)
			return
		}

		c.capture.Log(c.event(plog.DirectionIn, plog.LayerSocket, plog.CategoryMessage, func(e *plog.Event) {
			e.Frame = plog.NewFrameEvent(data, mt == websocket.BinaryMessage)
		}))

		switch mt {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
	}
}

func (c *Conn) handleText(data []byte) {
	msgs, err := decodeText(data)
	if err != nil {
		c.protocolError(&ProtocolError{Err: err})
		return
	}

	for _, m := range msgs {
		if err := c.handleMessage(m); err != nil {
			c.protocolError(&ProtocolError{Method: m.Method, Err: err})
		}
	}
}

func (c *Conn) handleMessage(m textMessage) error {
	var name string
	var id int64

	switch m.Method {
	case MethodAnnounce:
		var p announceParams
		if err := unmarshalParams(m.Params, &p); err != nil {
			return err
		}
		if p.Name == "" {
			return errors.New("announce without name")
		}
		c.mu.Lock()
		c.topics[p.ID] = announced{name: topic.Name(p.Name), typ: p.Type}
		c.mu.Unlock()
		name, id = p.Name, p.ID

	case MethodUnannounce:
		var p unannounceParams
		if err := unmarshalParams(m.Params, &p); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.topics, p.ID)
		c.mu.Unlock()
		name, id = p.Name, p.ID

	case MethodProperties:
		var p propertiesParams
		if err := unmarshalParams(m.Params, &p); err != nil {
			return err
		}
		name = p.Name

	default:
		return fmt.Errorf("unknown method %q", m.Method)
	}

	c.capture.Log(c.event(plog.DirectionIn, plog.LayerNT4, plog.CategoryMessage, func(e *plog.Event) {
		e.Message = &plog.MessageEvent{Method: m.Method, Topic: name, TopicID: id}
	}))
	return nil
}

func (c *Conn) handleBinary(data []byte) {
	msgs, err := decodeValues(data)
	for _, m := range msgs {
		c.handleValue(m)
	}
	if err != nil {
		c.protocolError(&ProtocolError{Err: err})
	}
}

func (c *Conn) handleValue(m valueMessage) {
	if m.ID == TimeSyncID {
		clientUs, ok := m.Value.(int64)
		if !ok {
			if u, isUint := m.Value.(uint64); isUint {
				clientUs, ok = int64(u), true
			}
		}
		if !ok {
			c.protocolError(&ProtocolError{Err: fmt.Errorf("time sync payload is %T", m.Value)})
			return
		}
		c.keepAlive.received(clientUs, m.Timestamp)
		return
	}

	c.mu.Lock()
	t, ok := c.topics[m.ID]
	c.mu.Unlock()
	if !ok {
		metrics.UpdatesDropped.WithLabelValues("unannounced").Inc()
		c.logger.Debug("value for unannounced topic", "topic_id", m.ID)
		return
	}

	v, supported, err := toValue(m.Type, m.Value)
	if err != nil {
		c.protocolError(&ProtocolError{Err: fmt.Errorf("topic %s: %w", t.name, err)})
		return
	}
	if !supported {
		metrics.UpdatesDropped.WithLabelValues("unsupported_type").Inc()
		return
	}

	c.capture.Log(c.event(plog.DirectionIn, plog.LayerNT4, plog.CategoryMessage, func(e *plog.Event) {
		e.Message = &plog.MessageEvent{Topic: string(t.name), TopicID: m.ID, Type: t.typ, ServerTS: m.Timestamp, Value: m.Value}
	}))
	if c.handler != nil {
		c.handler.HandleValue(t.name, v, m.Timestamp)
	}
}

func (c *Conn) protocolError(err *ProtocolError) {
	metrics.ProtocolErrors.Inc()
	c.logger.Warn("nt4 protocol error", "error", err)
	c.capture.Log(c.event(plog.DirectionIn, plog.LayerNT4, plog.CategoryError, func(e *plog.Event) {
		e.Error = &plog.ErrorEventData{Layer: plog.LayerNT4, Message: err.Error(), Context: err.Method}
	}))
}

func (c *Conn) event(dir plog.Direction, layer plog.Layer, cat plog.Category, fill func(*plog.Event)) plog.Event {
	e := plog.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Direction:    dir,
		Layer:        layer,
		Category:     cat,
		RemoteAddr:   c.addr,
	}
	fill(&e)
	return e
}
