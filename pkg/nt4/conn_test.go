package nt4

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntsync/ntsync-go/pkg/connection"
	"github.com/ntsync/ntsync-go/pkg/metrics"
	"github.com/ntsync/ntsync-go/pkg/nt4/nt4test"
	"github.com/ntsync/ntsync-go/pkg/topic"
	"github.com/ntsync/ntsync-go/pkg/version"
)

type update struct {
	name topic.Name
	v    topic.Value
	ts   int64
}

func recorder() (connection.HandlerFunc, <-chan update) {
	ch := make(chan update, 16)
	return func(name topic.Name, v topic.Value, ts int64) {
		ch <- update{name: name, v: v, ts: ts}
	}, ch
}

func dial(t *testing.T, srv *nt4test.Server, h connection.Handler, ka KeepAliveConfig) *Conn {
	t.Helper()
	d := &Dialer{ClientName: "test", KeepAlive: ka}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := d.Dial(ctx, srv.Address(), h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c.(*Conn)
}

func waitUpdate(t *testing.T, ch <-chan update) update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value update")
		return update{}
	}
}

func TestDialerURL(t *testing.T) {
	d := &Dialer{ClientName: "dash"}
	u := d.URL("10.16.90.2:5810")
	assert.True(t, strings.HasPrefix(u, "ws://10.16.90.2:5810/nt/dash-"), u)
	assert.NotEqual(t, u, d.URL("10.16.90.2:5810"), "each connection gets a unique suffix")

	var empty Dialer
	assert.Contains(t, empty.URL("localhost:5810"), "/nt/"+DefaultClientName+"-")
}

func TestConnReceivesAnnouncedValue(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()
	srv.Announce("/Foo/Bar", TypeNameDouble)

	h, updates := recorder()
	c := dial(t, srv, h, KeepAliveConfig{})
	assert.Equal(t, version.ProtocolVersion{Major: 4, Minor: 1}, c.Protocol())

	require.NoError(t, c.Subscribe(context.Background(), "/Foo/Bar"))
	require.Eventually(t, func() bool { return srv.Subscribed("/Foo/Bar") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Push("/Foo/Bar", 100, TypeDouble, 7.0))
	u := waitUpdate(t, updates)
	assert.Equal(t, topic.Name("/Foo/Bar"), u.name)
	assert.True(t, u.v.Equal(topic.NumberValue(7)))
	assert.Equal(t, int64(100), u.ts)

	// Integer payloads are widened to numbers.
	require.NoError(t, srv.Push("/Foo/Bar", 101, TypeInt, int64(9)))
	u = waitUpdate(t, updates)
	assert.True(t, u.v.Equal(topic.NumberValue(9)))
}

func TestConnSubscribeIsIdempotent(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()

	c := dial(t, srv, nil, KeepAliveConfig{})
	require.NoError(t, c.Subscribe(context.Background(), "/a"))
	require.NoError(t, c.Subscribe(context.Background(), "/a"))
	require.Eventually(t, func() bool { return srv.Subscribed("/a") }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Unsubscribe(context.Background(), "/a"))
	require.NoError(t, c.Unsubscribe(context.Background(), "/a"))
	require.Eventually(t, func() bool { return !srv.Subscribed("/a") }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, srv.Subscribes("/a"))
	assert.Equal(t, 1, srv.Unsubscribes())
}

func TestConnPublish(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()

	c := dial(t, srv, nil, KeepAliveConfig{})
	ctx := context.Background()
	require.NoError(t, c.Publish(ctx, "/out", topic.NumberValue(3), 42))
	require.NoError(t, c.Publish(ctx, "/out", topic.StringValue("hi"), 43))

	require.Eventually(t, func() bool { return len(srv.Published()) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := srv.Published()
	assert.Equal(t, nt4test.Received{Topic: "/out", Timestamp: 42, Type: TypeDouble, Value: 3.0}, got[0])
	assert.Equal(t, nt4test.Received{Topic: "/out", Timestamp: 43, Type: TypeString, Value: "hi"}, got[1])
}

func TestConnPublishRejectsEmptyValue(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()

	c := dial(t, srv, nil, KeepAliveConfig{})
	err := c.Publish(context.Background(), "/out", topic.Value{}, 1)
	assert.ErrorIs(t, err, topic.ErrUnsupportedValue)
}

func TestConnSkipsMalformedFrames(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()
	srv.Announce("/x", TypeNameBoolean)

	h, updates := recorder()
	c := dial(t, srv, h, KeepAliveConfig{})
	require.NoError(t, c.Subscribe(context.Background(), "/x"))
	require.Eventually(t, func() bool { return srv.Subscribed("/x") }, 2*time.Second, 5*time.Millisecond)

	before := testutil.ToFloat64(metrics.ProtocolErrors)
	srv.SendRaw(websocket.TextMessage, []byte("not json"))
	srv.SendRaw(websocket.TextMessage, []byte(`[{"method":"bogus","params":{}}]`))
	srv.SendRaw(websocket.BinaryMessage, []byte{0xc1})

	require.NoError(t, srv.Push("/x", 5, TypeBoolean, true))
	u := waitUpdate(t, updates)
	assert.True(t, u.v.Equal(topic.BoolValue(true)))

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.ProtocolErrors)-before, 3.0)
	assert.NoError(t, c.Err())
	select {
	case <-c.Done():
		t.Fatal("connection closed on malformed frame")
	default:
	}
}

func TestConnDropsUnannouncedValues(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()

	h, updates := recorder()
	c := dial(t, srv, h, KeepAliveConfig{})
	require.NotNil(t, c)

	before := testutil.ToFloat64(metrics.UpdatesDropped.WithLabelValues("unannounced"))
	frame, err := encodeValues(valueMessage{ID: 99, Timestamp: 1, Type: TypeDouble, Value: 1.0})
	require.NoError(t, err)
	srv.SendRaw(websocket.BinaryMessage, frame)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.UpdatesDropped.WithLabelValues("unannounced")) > before
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, updates)
}

func TestConnHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := &Dialer{}
	_, err := d.Dial(context.Background(), strings.TrimPrefix(srv.URL, "http://"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, connection.ErrHandshake)
}

func TestConnLegacySubprotocol(t *testing.T) {
	srv := nt4test.NewServer(nt4test.WithSubprotocol(version.LegacySubprotocol))
	defer srv.Close()

	c := dial(t, srv, nil, KeepAliveConfig{})
	assert.Equal(t, version.ProtocolVersion{Major: 4, Minor: 0}, c.Protocol())
}

func TestConnTimeSync(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()
	srv.ServerTimeOffset.Store(int64(5 * time.Second / time.Microsecond))

	c := dial(t, srv, nil, KeepAliveConfig{PingInterval: 20 * time.Millisecond, PongTimeout: 10 * time.Millisecond})
	require.Eventually(t, func() bool {
		ts, ok := c.ServerTime()
		skew := ts - time.Now().UnixMicro()
		return ok && skew > 4_500_000 && skew < 5_500_000
	}, 2*time.Second, 10*time.Millisecond)
	assert.Greater(t, c.RTT(), time.Duration(0))
}

func TestConnClockUnsyncedUntilFirstPong(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()
	srv.DropTimeSync.Store(true)

	c := dial(t, srv, nil, KeepAliveConfig{PingInterval: 20 * time.Millisecond, PongTimeout: time.Second})
	time.Sleep(60 * time.Millisecond)
	_, ok := c.ServerTime()
	assert.False(t, ok)

	srv.DropTimeSync.Store(false)
	require.Eventually(t, func() bool {
		_, ok := c.ServerTime()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnKeepAliveTimeout(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()
	srv.DropTimeSync.Store(true)

	c := dial(t, srv, nil, KeepAliveConfig{PingInterval: 20 * time.Millisecond, PongTimeout: 10 * time.Millisecond, MaxMissedPongs: 2})
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive did not close the connection")
	}
	assert.ErrorIs(t, c.Err(), ErrKeepAliveTimeout)
}

func TestConnPeerDrop(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()

	c := dial(t, srv, nil, KeepAliveConfig{})
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, 2*time.Second, 5*time.Millisecond)
	srv.DropConnections()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not notice the peer drop")
	}
	assert.Error(t, c.Err())

	err := c.Publish(context.Background(), "/late", topic.BoolValue(true), 1)
	assert.True(t, errors.Is(err, connection.ErrNotConnected), "got %v", err)
}

func TestConnCloseIsIdempotent(t *testing.T) {
	srv := nt4test.NewServer()
	defer srv.Close()

	c := dial(t, srv, nil, KeepAliveConfig{})
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Err())
	assert.ErrorIs(t, c.Subscribe(context.Background(), "/a"), ErrClosed)
}
