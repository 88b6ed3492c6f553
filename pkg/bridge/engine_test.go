package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntsync/ntsync-go/pkg/connection"
	"github.com/ntsync/ntsync-go/pkg/topic"
)

type published struct {
	name topic.Name
	v    topic.Value
	ts   int64
}

type fakeConn struct {
	h    connection.Handler
	done chan struct{}
	once sync.Once

	clock    atomic.Int64
	unsynced atomic.Bool

	mu         sync.Mutex
	subs       map[topic.Name]int
	unsubs     map[topic.Name]int
	published  []published
	publishErr error
}

func newFakeConn(h connection.Handler) *fakeConn {
	c := &fakeConn{
		h:      h,
		done:   make(chan struct{}),
		subs:   map[topic.Name]int{},
		unsubs: map[topic.Name]int{},
	}
	c.clock.Store(1000)
	return c
}

func (c *fakeConn) Subscribe(_ context.Context, name topic.Name) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[name]++
	return nil
}

func (c *fakeConn) Unsubscribe(_ context.Context, name topic.Name) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs[name]++
	return nil
}

func (c *fakeConn) Publish(_ context.Context, name topic.Name, v topic.Value, ts int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{name: name, v: v, ts: ts})
	return nil
}

func (c *fakeConn) ServerTime() (int64, bool) { return c.clock.Add(1), !c.unsynced.Load() }
func (c *fakeConn) Done() <-chan struct{}     { return c.done }
func (c *fakeConn) Err() error                { return nil }
func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(name topic.Name, v topic.Value, ts int64) {
	c.h.HandleValue(name, v, ts)
}

func (c *fakeConn) counts(name topic.Name) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[name], c.unsubs[name]
}

func (c *fakeConn) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func (c *fakeConn) failPublish(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, h connection.Handler) (connection.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn(h)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// collector gathers events delivered to a listener.
type collector[T any] struct {
	mu  sync.Mutex
	evs []T
}

func (c *collector[T]) add(ev T) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *collector[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.evs...)
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evs)
}

func newEngine(t *testing.T) (*Engine, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	e := New(d, DefaultConfig())
	t.Cleanup(e.Close)
	return e, d
}

func connect(t *testing.T, e *Engine, d *fakeDialer) *fakeConn {
	t.Helper()
	require.NoError(t, e.Connect(context.Background(), "10.16.90.2"))
	c := d.last()
	require.NotNil(t, c)
	return c
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestPushReachesListener(t *testing.T) {
	e, d := newEngine(t)
	c := connect(t, e, d)
	ctx := context.Background()

	var got collector[ValueChanged]
	reg := e.OnValueChanged("/Foo/Bar", got.add)
	defer reg.Close()
	_, err := e.Subscribe(ctx, "/Foo/Bar")
	require.NoError(t, err)

	c.push("/Foo/Bar", topic.NumberValue(7), 100)
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)

	ev := got.all()[0]
	assert.Equal(t, topic.Name("/Foo/Bar"), ev.Topic)
	assert.True(t, ev.Value.Equal(topic.NumberValue(7)))
	assert.Equal(t, int64(100), ev.Timestamp)
	assert.Equal(t, topic.OriginRemote, ev.Origin)
}

func TestPushForInactiveTopicIsDropped(t *testing.T) {
	e, d := newEngine(t)
	c := connect(t, e, d)

	var got collector[ValueChanged]
	reg := e.OnValueChanged("/x", got.add)
	defer reg.Close()

	c.push("/x", topic.BoolValue(true), 1)
	_, ok := e.Get("/x")
	assert.False(t, ok)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, got.len())
}

func TestExactlyOncePerListenerInOrder(t *testing.T) {
	e, d := newEngine(t)
	c := connect(t, e, d)
	ctx := context.Background()

	_, err := e.Subscribe(ctx, "/n")
	require.NoError(t, err)

	const listeners, updates = 4, 200
	cols := make([]*collector[ValueChanged], listeners)
	for i := range cols {
		cols[i] = &collector[ValueChanged]{}
		reg := e.OnValueChanged("/n", cols[i].add)
		defer reg.Close()
	}

	for i := 1; i <= updates; i++ {
		c.push("/n", topic.NumberValue(float64(i)), int64(i))
	}

	for _, col := range cols {
		require.Eventually(t, func() bool { return col.len() == updates }, waitFor, tick)
		for i, ev := range col.all() {
			assert.Equal(t, int64(i+1), ev.Timestamp)
		}
	}
}

func TestStaleAndMismatchedPushes(t *testing.T) {
	e, d := newEngine(t)
	c := connect(t, e, d)
	_, err := e.Subscribe(context.Background(), "/s")
	require.NoError(t, err)

	c.push("/s", topic.NumberValue(2), 200)
	c.push("/s", topic.NumberValue(1), 100)
	c.push("/s", topic.StringValue("oops"), 300)

	entry, ok := e.Get("/s")
	require.True(t, ok)
	assert.True(t, entry.Value.Equal(topic.NumberValue(2)))
	assert.Equal(t, int64(200), entry.Timestamp)
}

func TestListenerBeforeOrAfterSubscribe(t *testing.T) {
	e, d := newEngine(t)
	c := connect(t, e, d)
	ctx := context.Background()

	var early collector[ValueChanged]
	r1 := e.OnValueChanged("/o", early.add)
	defer r1.Close()
	_, err := e.Subscribe(ctx, "/o")
	require.NoError(t, err)

	var late collector[ValueChanged]
	r2 := e.OnValueChanged("/o", late.add)
	defer r2.Close()

	c.push("/o", topic.StringValue("a"), 1)
	require.Eventually(t, func() bool { return early.len() == 1 && late.len() == 1 }, waitFor, tick)
}

func TestLocalWriteVisibleImmediately(t *testing.T) {
	e, d := newEngine(t)
	c := connect(t, e, d)

	var got collector[ValueChanged]
	reg := e.OnValueChanged("/w", got.add)
	defer reg.Close()

	require.NoError(t, e.Write(context.Background(), "/w", topic.BoolValue(true)))

	entry, ok := e.Get("/w")
	require.True(t, ok)
	assert.True(t, entry.Value.Equal(topic.BoolValue(true)))
	assert.Equal(t, topic.OriginLocal, entry.Origin)

	sent := c.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, topic.Name("/w"), sent[0].name)
	assert.Equal(t, entry.Timestamp, sent[0].ts)

	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	assert.Equal(t, topic.OriginLocal, got.all()[0].Origin)
}

func TestWriteBeforeClockSyncDefersToServer(t *testing.T) {
	e, d := newEngine(t)
	c := connect(t, e, d)
	c.unsynced.Store(true)
	ctx := context.Background()

	_, err := e.Subscribe(ctx, "/u")
	require.NoError(t, err)
	c.push("/u", topic.NumberValue(1), 40)
	require.Eventually(t, func() bool { return e.Read("/u", topic.NumberValue(0)).Equal(topic.NumberValue(1)) }, waitFor, tick)

	require.NoError(t, e.Write(ctx, "/u", topic.NumberValue(2)))
	entry, ok := e.Get("/u")
	require.True(t, ok)
	assert.Equal(t, int64(40), entry.Timestamp, "keeps the last server timestamp")
	assert.Zero(t, e.ServerTime())

	require.NoError(t, e.Write(ctx, "/fresh", topic.NumberValue(2)))
	entry, _ = e.Get("/fresh")
	assert.Zero(t, entry.Timestamp)

	for _, p := range c.sent() {
		assert.Zero(t, p.ts, "server stamps %s on receipt", p.name)
	}

	c.push("/u", topic.NumberValue(3), 41)
	require.Eventually(t, func() bool { return e.Read("/u", topic.NumberValue(0)).Equal(topic.NumberValue(3)) }, waitFor, tick)
}

func TestWriteFailureKeepsCache(t *testing.T) {
	e, d := newEngine(t)
	c := connect(t, e, d)
	c.failPublish(errors.New("broken pipe"))

	err := e.Write(context.Background(), "/w", topic.NumberValue(1))
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, topic.Name("/w"), werr.Topic)

	entry, ok := e.Get("/w")
	require.True(t, ok)
	assert.True(t, entry.Value.Equal(topic.NumberValue(1)))
}

func TestWriteValidation(t *testing.T) {
	e, d := newEngine(t)
	connect(t, e, d)
	ctx := context.Background()

	assert.ErrorIs(t, e.Write(ctx, "", topic.BoolValue(true)), topic.ErrInvalidName)
	assert.ErrorIs(t, e.Write(ctx, "/v", topic.Value{}), topic.ErrUnsupportedValue)

	require.NoError(t, e.Write(ctx, "/v", topic.NumberValue(1)))
	assert.ErrorIs(t, e.Write(ctx, "/v", topic.StringValue("x")), topic.ErrTypeMismatch)
}

func TestWriteWhileDisconnectedIsQueued(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, "/q", topic.NumberValue(1)))
	require.NoError(t, e.Write(ctx, "/q", topic.NumberValue(2)))
	assert.Equal(t, 1, e.Pending())
	assert.True(t, e.Read("/q", topic.NumberValue(0)).Equal(topic.NumberValue(2)))

	c := connect(t, e, d)
	require.Eventually(t, func() bool { return e.Pending() == 0 }, waitFor, tick)

	sent := c.sent()
	require.Len(t, sent, 1, "only the latest queued value is sent")
	assert.True(t, sent[0].v.Equal(topic.NumberValue(2)))

	entry, ok := e.Get("/q")
	require.True(t, ok, "flushed writes survive the reset on connect")
	assert.True(t, entry.Value.Equal(topic.NumberValue(2)))
}

func TestSubscribeBeforeConnectIsResynced(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()

	h, err := e.Subscribe(ctx, "/early")
	require.NoError(t, err)
	assert.True(t, e.Active("/early"))

	c := connect(t, e, d)
	require.Eventually(t, func() bool {
		subs, _ := c.counts("/early")
		return subs == 1
	}, waitFor, tick)

	require.NoError(t, e.Unsubscribe(ctx, h))
	_, unsubs := c.counts("/early")
	assert.Equal(t, 1, unsubs)
}

func TestReconnectResubscribesAndResetsCache(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()
	c1 := connect(t, e, d)

	_, err := e.Subscribe(ctx, "/r")
	require.NoError(t, err)
	c1.push("/r", topic.NumberValue(1), 10)
	_, ok := e.Get("/r")
	require.True(t, ok)

	_ = c1.Close()
	require.Eventually(t, func() bool { return e.State() == connection.StateDisconnected }, waitFor, tick)

	// The cache keeps the last known value while offline.
	_, ok = e.Get("/r")
	assert.True(t, ok)

	c2 := connect(t, e, d)
	require.NotSame(t, c1, c2)
	require.Eventually(t, func() bool {
		subs, _ := c2.counts("/r")
		return subs == 1
	}, waitFor, tick)

	_, ok = e.Get("/r")
	assert.False(t, ok, "a new connection starts with an empty cache")
}

func TestConnectionChangedEvents(t *testing.T) {
	e, d := newEngine(t)

	var got collector[ConnectionChanged]
	reg := e.OnConnectionChanged(got.add)
	defer reg.Close()

	c := connect(t, e, d)
	_ = c.Close()

	require.Eventually(t, func() bool { return got.len() == 3 }, waitFor, tick)
	evs := got.all()
	assert.Equal(t, connection.StateConnecting, evs[0].State)
	assert.True(t, evs[1].Connected)
	assert.Equal(t, "10.16.90.2:5810", evs[1].Address)
	assert.False(t, evs[2].Connected)
}

func TestConnectFailure(t *testing.T) {
	e, d := newEngine(t)
	d.err = errors.New("connection refused")

	err := e.Connect(context.Background(), "10.0.0.1")
	var cerr *connection.ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, connection.StateDisconnected, e.State())
}

func TestBinding(t *testing.T) {
	e, d := newEngine(t)
	c := connect(t, e, d)
	ctx := context.Background()

	var got collector[ValueChanged]
	b, err := e.Bind(ctx, "/b", got.add)
	require.NoError(t, err)
	assert.Equal(t, topic.Name("/b"), b.Topic())
	assert.True(t, b.Value(topic.NumberValue(5)).Equal(topic.NumberValue(5)))
	assert.Equal(t, 1, e.Listeners("/b"))

	c.push("/b", topic.NumberValue(6), 1)
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	assert.True(t, b.Value(topic.NumberValue(5)).Equal(topic.NumberValue(6)))

	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))
	assert.False(t, e.Active("/b"))
	assert.Zero(t, e.Listeners("/b"))
	_, unsubs := c.counts("/b")
	assert.Equal(t, 1, unsubs)
}

func TestBindRejectsBadName(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Bind(context.Background(), "", func(ValueChanged) {})
	assert.ErrorIs(t, err, topic.ErrInvalidName)
	assert.Zero(t, e.Listeners(""))
}

func TestDeregisterDuringDelivery(t *testing.T) {
	e, d := newEngine(t)
	c := connect(t, e, d)
	_, err := e.Subscribe(context.Background(), "/d")
	require.NoError(t, err)

	var calls atomic.Int32
	var reg interface{ Close() }
	ready := make(chan struct{})
	r := e.OnValueChanged("/d", func(ValueChanged) {
		calls.Add(1)
		<-ready
		reg.Close()
	})
	reg = r
	close(ready)

	for i := 1; i <= 10; i++ {
		c.push("/d", topic.NumberValue(float64(i)), int64(i))
	}
	require.Eventually(t, r.Closed, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute(t *testing.T) {
	e, d := newEngine(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, Command{Op: OpConnect, Address: "10.16.90.2"})
	require.NoError(t, err)
	c := d.last()

	sub, err := e.Execute(ctx, Command{Op: OpSubscribe, Topic: "/e"})
	require.NoError(t, err)
	require.False(t, sub.Handle.IsZero())
	_, err = e.Execute(ctx, Command{Op: OpSubscribe, Topic: "/e"})
	require.NoError(t, err)

	c.push("/e", topic.StringValue("hi"), 5)
	res, err := e.Execute(ctx, Command{Op: OpGet, Topic: "/e"})
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.True(t, res.Entry.Value.Equal(topic.StringValue("hi")))

	_, err = e.Execute(ctx, Command{Op: OpWrite, Topic: "/e", Value: topic.StringValue("yo")})
	require.NoError(t, err)

	res, err = e.Execute(ctx, Command{Op: OpUnsubscribe, Handle: 9999})
	require.NoError(t, err)
	assert.False(t, res.Released)

	res, err = e.Execute(ctx, Command{Op: OpUnsubscribe, Handle: sub.Handle.ID()})
	require.NoError(t, err)
	assert.True(t, res.Released)
	assert.True(t, e.Active("/e"))

	res, err = e.Execute(ctx, Command{Op: OpUnsubscribe, Topic: "/e"})
	require.NoError(t, err)
	assert.True(t, res.Released)
	assert.False(t, e.Active("/e"))

	res, err = e.Execute(ctx, Command{Op: OpUnsubscribe, Topic: "/e"})
	require.NoError(t, err)
	assert.False(t, res.Released)

	_, err = e.Execute(ctx, Command{Op: OpDisconnect})
	require.NoError(t, err)
	assert.Equal(t, connection.StateDisconnected, e.State())

	_, err = e.Execute(ctx, Command{Op: Op(99)})
	assert.Error(t, err)
}

func TestConcurrentUnsubscribeByHandleReleasesOnce(t *testing.T) {
	e, d := newEngine(t)
	connect(t, e, d)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		h, err := e.Subscribe(ctx, "/race")
		require.NoError(t, err)

		var released atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := e.Execute(ctx, Command{Op: OpUnsubscribe, Handle: h.ID()})
				assert.NoError(t, err)
				if res.Released {
					released.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), released.Load(), "round %d", round)
		assert.False(t, e.Active("/race"))
	}
}

func TestClosedEngineRejectsCommands(t *testing.T) {
	e, _ := newEngine(t)
	e.Close()
	e.Close()

	ctx := context.Background()
	assert.ErrorIs(t, e.Connect(ctx, "10.0.0.1"), ErrClosed)
	_, err := e.Subscribe(ctx, "/a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Write(ctx, "/a", topic.BoolValue(true)), ErrClosed)
}
