package interaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ntsync/ntsync-go/pkg/topic"
	"github.com/ntsync/ntsync-go/pkg/wire"
)

// Client errors.
var (
	ErrRequestTimeout  = errors.New("request timed out")
	ErrClientClosed    = errors.New("client is closed")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// DefaultRequestTimeout bounds a request when ctx has no deadline.
const DefaultRequestTimeout = 10 * time.Second

// RequestSender sends an encoded frame to the bridge.
type RequestSender interface {
	Send(data []byte) error
}

// FrameReceiver reads encoded frames from the bridge.
type FrameReceiver interface {
	Receive(timeout time.Duration) ([]byte, error)
}

// Client issues bridge requests from a UI process and routes the replies.
type Client struct {
	mu sync.RWMutex

	sender  RequestSender
	timeout time.Duration

	nextMsgID atomic.Uint32

	pending   map[uint32]chan *wire.Response
	pendingMu sync.Mutex

	eventHandler func(*wire.Event)

	closed bool
}

// NewClient creates a client that sends through sender.
func NewClient(sender RequestSender) *Client {
	return &Client{
		sender:  sender,
		timeout: DefaultRequestTimeout,
		pending: make(map[uint32]chan *wire.Response),
	}
}

// SetTimeout sets the request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// SetEventHandler sets the handler for pushed events. It runs on the
// goroutine that calls Dispatch.
func (c *Client) SetEventHandler(handler func(*wire.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

// Close fails every pending request with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *wire.Response)
	c.pendingMu.Unlock()
	return nil
}

func (c *Client) nextMessageID() uint32 {
	for {
		if id := c.nextMsgID.Add(1); id != wire.EventMessageID {
			return id
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClientClosed
	}
	timeout := c.timeout
	c.mu.RUnlock()

	req.MessageID = c.nextMessageID()
	data, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *wire.Response, 1)
	c.pendingMu.Lock()
	c.pending[req.MessageID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.MessageID)
		c.pendingMu.Unlock()
	}()

	if err := c.sender.Send(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrRequestTimeout
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClientClosed
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp, nil
	}
}

// Dispatch routes one frame received from the bridge: responses complete
// their pending request, events go to the event handler.
func (c *Client) Dispatch(data []byte) error {
	id, err := wire.PeekMessageID(data)
	if err != nil {
		return err
	}
	if id == wire.EventMessageID {
		ev, err := wire.DecodeEvent(data)
		if err != nil {
			return err
		}
		c.HandleEvent(ev)
		return nil
	}
	resp, err := wire.DecodeResponse(data)
	if err != nil {
		return err
	}
	return c.HandleResponse(resp)
}

// HandleResponse completes the request with the response's message ID.
func (c *Client) HandleResponse(resp *wire.Response) error {
	c.pendingMu.Lock()
	ch, exists := c.pending[resp.MessageID]
	c.pendingMu.Unlock()
	if !exists {
		return ErrUnexpectedReply
	}

	select {
	case ch <- resp:
	default:
	}
	return nil
}

// HandleEvent passes ev to the event handler.
func (c *Client) HandleEvent(ev *wire.Event) {
	c.mu.RLock()
	handler := c.eventHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// ReadLoop receives and dispatches frames until the receiver fails or ctx
// is done. Undecodable frames are skipped.
func (c *Client) ReadLoop(ctx context.Context, r FrameReceiver) error {
	for ctx.Err() == nil {
		data, err := r.Receive(0)
		if err != nil {
			return err
		}
		c.Dispatch(data)
	}
	return ctx.Err()
}

// Connect asks the bridge to connect to address.
func (c *Client) Connect(ctx context.Context, address string) error {
	_, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpConnect, Address: address})
	return err
}

// Disconnect asks the bridge to close its robot connection.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpDisconnect})
	return err
}

// Subscribe acquires a subscription handle for name.
func (c *Client) Subscribe(ctx context.Context, name string) (uint64, error) {
	resp, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpSubscribe, Topic: name})
	if err != nil {
		return 0, err
	}
	var p wire.SubscribePayload
	if err := resp.DecodePayload(&p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	return p.Handle, nil
}

// Unsubscribe releases a handle returned by Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, handle uint64) (bool, error) {
	return c.unsubscribe(ctx, &wire.Request{Op: wire.OpUnsubscribe, Handle: handle})
}

// UnsubscribeTopic releases one of this client's handles for name.
func (c *Client) UnsubscribeTopic(ctx context.Context, name string) (bool, error) {
	return c.unsubscribe(ctx, &wire.Request{Op: wire.OpUnsubscribe, Topic: name})
}

func (c *Client) unsubscribe(ctx context.Context, req *wire.Request) (bool, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return false, err
	}
	var p wire.UnsubscribePayload
	if err := resp.DecodePayload(&p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	return p.Released, nil
}

// Write writes v to name.
func (c *Client) Write(ctx context.Context, name string, v topic.Value) error {
	if v.IsZero() {
		return topic.ErrUnsupportedValue
	}
	_, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpWrite, Topic: name, Value: wire.FromValue(v)})
	return err
}

// Get reads the bridge's cached entry for name.
func (c *Client) Get(ctx context.Context, name string) (topic.Value, int64, bool, error) {
	resp, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpGet, Topic: name})
	if err != nil {
		return topic.Value{}, 0, false, err
	}
	var p wire.GetPayload
	if err := resp.DecodePayload(&p); err != nil {
		return topic.Value{}, 0, false, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	if !p.Found {
		return topic.Value{}, 0, false, nil
	}
	v, err := wire.ValueOf(p.Value)
	if err != nil {
		return topic.Value{}, 0, false, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	return v, p.Timestamp, true, nil
}

// Listen registers for ValueChanged events on name, or ConnectionChanged
// events when name is empty. Events carry the returned listener ID.
func (c *Client) Listen(ctx context.Context, name string) (uint64, error) {
	resp, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpListen, Topic: name})
	if err != nil {
		return 0, err
	}
	var p wire.ListenPayload
	if err := resp.DecodePayload(&p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	return p.Listener, nil
}

// Unlisten removes a listener returned by Listen.
func (c *Client) Unlisten(ctx context.Context, id uint64) error {
	_, err := c.roundTrip(ctx, &wire.Request{Op: wire.OpUnlisten, Handle: id})
	return err
}
