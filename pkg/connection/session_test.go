package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntsync/ntsync-go/pkg/topic"
)

type fakeConn struct {
	done chan struct{}
	once sync.Once
	err  error

	mu   sync.Mutex
	subs []topic.Name
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (c *fakeConn) drop(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *fakeConn) Subscribe(_ context.Context, name topic.Name) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, name)
	return nil
}
func (c *fakeConn) Unsubscribe(context.Context, topic.Name) error { return nil }
func (c *fakeConn) Publish(context.Context, topic.Name, topic.Value, int64) error {
	return nil
}
func (c *fakeConn) ServerTime() (int64, bool) { return 1000, true }
func (c *fakeConn) Done() <-chan struct{}     { return c.done }
func (c *fakeConn) Err() error                { return c.err }
func (c *fakeConn) Close() error              { c.drop(nil); return nil }

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    []string
	conns    []*fakeConn
	handlers []Handler

	// failFrom makes every dial numbered >= failFrom fail (1-based, 0 = never).
	failFrom int
	failErr  error
	// block makes Dial wait for ctx cancellation.
	block bool
}

func (d *fakeDialer) Dial(ctx context.Context, address string, h Handler) (Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, address)
	n := len(d.dials)
	block, failFrom, failErr := d.block, d.failFrom, d.failErr
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failFrom > 0 && n >= failFrom {
		return nil, failErr
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type stateRecorder struct {
	mu     sync.Mutex
	events []StateChange
}

func (r *stateRecorder) record(ev StateChange) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *stateRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.New
	}
	return out
}

func newTestSession(t *testing.T, d Dialer, cfg Config) (*Session, *stateRecorder) {
	t.Helper()
	s := NewSession(d, nil, cfg)
	rec := &stateRecorder{}
	s.OnStateChange(rec.record)
	t.Cleanup(s.Close)
	return s, rec
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10.16.90.2", "10.16.90.2:5810", false},
		{"10.16.90.2:5810", "10.16.90.2:5810", false},
		{"localhost:1234", "localhost:1234", false},
		{"roborio-1690-frc.local", "roborio-1690-frc.local:5810", false},
		{"::1", "[::1]:5810", false},
		{"[::1]", "[::1]:5810", false},
		{"host:", "host:5810", false},
		{"", "", true},
		{":5810", "", true},
		{"1690", "10.16.90.2:5810", false},
		{"254", "10.2.54.2:5810", false},
		{"0", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTeamAddress(t *testing.T) {
	tests := []struct {
		team int
		want string
	}{
		{1690, "10.16.90.2"},
		{254, "10.2.54.2"},
		{1, "10.0.1.2"},
		{25599, "10.255.99.2"},
	}
	for _, tt := range tests {
		got, err := TeamAddress(tt.team)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	for _, team := range []int{0, -1, MaxTeam + 1} {
		_, err := TeamAddress(team)
		assert.ErrorIs(t, err, ErrInvalidAddress)
	}
}

func TestConnectTransitions(t *testing.T) {
	d := &fakeDialer{}
	s, rec := newTestSession(t, d, Config{})

	require.NoError(t, s.Connect(context.Background(), "10.16.90.2"))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, "10.16.90.2:5810", s.Address())

	require.Eventually(t, func() bool { return len(rec.states()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{StateConnecting, StateConnected}, rec.states())
}

func TestConnectSameAddressIsNoop(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSession(t, d, Config{})

	require.NoError(t, s.Connect(context.Background(), "10.16.90.2"))
	require.NoError(t, s.Connect(context.Background(), "10.16.90.2:5810"))

	assert.Equal(t, 1, d.dialCount())
}

func TestConnectDifferentAddressSupersedes(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSession(t, d, Config{})

	require.NoError(t, s.Connect(context.Background(), "10.0.0.1"))
	first := d.conn(0)
	require.NoError(t, s.Connect(context.Background(), "10.0.0.2"))

	assert.True(t, first.closed(), "previous connection should be closed")
	assert.Equal(t, 2, d.dialCount())
	assert.Equal(t, "10.0.0.2:5810", s.Address())
	assert.Equal(t, StateConnected, s.State())

	// The superseded connection closing must not be reported as a loss.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateConnected, s.State())
}

func TestConnectErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"Refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, KindRefused},
		{"Unreachable", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}, KindUnreachable},
		{"DNS", &net.DNSError{Err: "no such host", Name: "robot"}, KindUnreachable},
		{"Handshake", errors.Join(ErrHandshake, errors.New("bad status")), KindHandshake},
		{"IO", io.ErrUnexpectedEOF, KindIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialer{failFrom: 1, failErr: tt.err}
			s, rec := newTestSession(t, d, Config{})

			err := s.Connect(context.Background(), "robot")
			var cerr *ConnectError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.want, cerr.Kind)
			assert.Equal(t, "robot:5810", cerr.Address)
			assert.Equal(t, StateDisconnected, s.State())

			require.Eventually(t, func() bool { return len(rec.states()) == 2 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, []State{StateConnecting, StateDisconnected}, rec.states())
		})
	}
}

func TestConnectTimeout(t *testing.T) {
	d := &fakeDialer{block: true}
	s, _ := newTestSession(t, d, Config{ConnectTimeout: 20 * time.Millisecond})

	err := s.Connect(context.Background(), "10.16.90.2")
	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindTimeout, cerr.Kind)
}

func TestDisconnectCancelsAttempt(t *testing.T) {
	d := &fakeDialer{block: true}
	s, _ := newTestSession(t, d, Config{ConnectTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Connect(context.Background(), "10.16.90.2") }()

	require.Eventually(t, func() bool { return d.dialCount() == 1 }, time.Second, time.Millisecond)
	s.Disconnect()

	select {
	case err := <-errCh:
		var cerr *ConnectError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, KindCanceled, cerr.Kind)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestUnexpectedLossEmitsOnce(t *testing.T) {
	d := &fakeDialer{}
	s, rec := newTestSession(t, d, Config{})

	require.NoError(t, s.Connect(context.Background(), "10.16.90.2"))
	d.conn(0).drop(io.EOF)

	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, rec.states())
	assert.Equal(t, 1, d.dialCount(), "reconnect is disabled by default")

	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	assert.ErrorIs(t, last.Err, io.EOF)
}

func TestReconnectBounded(t *testing.T) {
	d := &fakeDialer{failFrom: 2, failErr: syscall.ECONNREFUSED}
	s, _ := newTestSession(t, d, Config{Reconnect: ReconnectPolicy{
		Enabled:     true,
		MaxAttempts: 3,
		Backoff:     BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}})

	require.NoError(t, s.Connect(context.Background(), "10.16.90.2"))
	d.conn(0).drop(io.EOF)

	require.Eventually(t, func() bool { return d.dialCount() == 4 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, d.dialCount(), "no attempts beyond the budget")
	assert.Equal(t, StateDisconnected, s.State())
}

func TestReconnectRestoresConnection(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSession(t, d, Config{Reconnect: ReconnectPolicy{
		Enabled: true,
		Backoff: BackoffConfig{Initial: time.Millisecond},
	}})

	require.NoError(t, s.Connect(context.Background(), "10.16.90.2"))
	d.conn(0).drop(io.ErrUnexpectedEOF)

	require.Eventually(t, func() bool { return d.dialCount() == 2 && s.State() == StateConnected }, time.Second, time.Millisecond)
}

func TestWireCallsRequireConnection(t *testing.T) {
	d := &fakeDialer{}
	s, _ := newTestSession(t, d, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, s.Subscribe(ctx, "/a"), ErrNotConnected)
	assert.ErrorIs(t, s.Unsubscribe(ctx, "/a"), ErrNotConnected)
	assert.ErrorIs(t, s.Publish(ctx, "/a", topic.NumberValue(1), 0), ErrNotConnected)

	require.NoError(t, s.Connect(ctx, "10.16.90.2"))
	require.NoError(t, s.Subscribe(ctx, "/a"))
	assert.Equal(t, []topic.Name{"/a"}, d.conn(0).subs)
	ts, ok := s.ServerTime()
	assert.True(t, ok)
	assert.Equal(t, int64(1000), ts)

	s.Disconnect()
	_, ok = s.ServerTime()
	assert.False(t, ok, "clock is not trusted without a live connection")
}

func TestStalePushesDropped(t *testing.T) {
	var got atomic.Int32
	d := &fakeDialer{}
	s := NewSession(d, HandlerFunc(func(topic.Name, topic.Value, int64) { got.Add(1) }), Config{})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background(), "10.0.0.1"))
	require.NoError(t, s.Connect(context.Background(), "10.0.0.2"))

	d.mu.Lock()
	stale, live := d.handlers[0], d.handlers[1]
	d.mu.Unlock()

	stale.HandleValue("/a", topic.NumberValue(1), 1)
	live.HandleValue("/a", topic.NumberValue(2), 2)
	assert.Equal(t, int32(1), got.Load())
}

func TestBeforeConnectedRunsFirst(t *testing.T) {
	var hookAt atomic.Int32
	var s *Session
	d := &fakeDialer{}
	s = NewSession(d, nil, Config{BeforeConnected: func() {
		hookAt.Store(int32(s.State()) + 1)
	}})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background(), "10.16.90.2"))
	assert.Equal(t, int32(StateConnecting)+1, hookAt.Load())
}

func TestConnectAfterClose(t *testing.T) {
	s := NewSession(&fakeDialer{}, nil, Config{})
	s.Close()
	assert.ErrorIs(t, s.Connect(context.Background(), "10.16.90.2"), ErrSessionClosed)
}

func TestBackoff(t *testing.T) {
	t.Run("Sequence", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Initial: time.Second, Max: 4 * time.Second}, 0)
		want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
		for i, w := range want {
			got, ok := b.Next()
			if !ok || got != w {
				t.Errorf("Next() #%d = %v, %v, want %v", i, got, ok, w)
			}
		}
		if b.Remaining() != -1 {
			t.Errorf("Remaining() = %d, want -1 for unlimited", b.Remaining())
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff()
		limit := time.Duration(float64(InitialBackoff) * (1 + JitterFactor))
		for i := 0; i < 20; i++ {
			d, _ := b.Next()
			b.Reset()
			if d < InitialBackoff || d > limit {
				t.Fatalf("jittered delay %v outside [%v, %v]", d, InitialBackoff, limit)
			}
		}
	})

	t.Run("Budget", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Initial: 10 * time.Millisecond}, 2)
		for i := 0; i < 2; i++ {
			if _, ok := b.Next(); !ok {
				t.Fatalf("attempt %d refused", i+1)
			}
		}
		if _, ok := b.Next(); ok {
			t.Fatal("third attempt allowed with a budget of 2")
		}
		if b.Remaining() != 0 {
			t.Errorf("Remaining() = %d, want 0", b.Remaining())
		}

		b.Reset()
		d, ok := b.Next()
		if !ok || d != 10*time.Millisecond {
			t.Errorf("after Reset: Next() = %v, %v", d, ok)
		}
		if b.Remaining() != 1 {
			t.Errorf("Remaining() = %d, want 1", b.Remaining())
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{Initial: time.Minute, Multiplier: 0.5}, 0)
		d, _ := b.Next()
		if d != time.Minute {
			t.Errorf("Max below Initial should clamp to Initial, got %v", d)
		}
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
	assert.Equal(t, "refused", KindRefused.String())
}
