package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ntsync/ntsync-go/pkg/cache"
	"github.com/ntsync/ntsync-go/pkg/connection"
	"github.com/ntsync/ntsync-go/pkg/fanout"
	"github.com/ntsync/ntsync-go/pkg/metrics"
	"github.com/ntsync/ntsync-go/pkg/subscription"
	"github.com/ntsync/ntsync-go/pkg/topic"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("engine closed")

// resyncTimeout bounds the work done on a Connected transition.
const resyncTimeout = 5 * time.Second

// Config configures an Engine.
type Config struct {
	Session       connection.Config
	Subscriptions subscription.Config
	Logger        *slog.Logger
}

// DefaultConfig returns a configuration with reconnection disabled.
func DefaultConfig() Config {
	return Config{Subscriptions: subscription.DefaultConfig()}
}

// Engine is the synchronization engine: one session, its topic cache, the
// subscription multiplexer and the listener fan-out.
type Engine struct {
	session *connection.Session
	cache   *cache.Cache
	mux     *subscription.Multiplexer

	values *fanout.Hub[topic.Name, ValueChanged]
	conns  *fanout.Hub[struct{}, ConnectionChanged]
	states *fanout.Registration[connection.StateChange]

	writeMu sync.Mutex
	pending map[topic.Name]topic.Value

	closed atomic.Bool
	logger *slog.Logger
}

// New creates an engine that opens connections through d.
func New(d connection.Dialer, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hooks := fanout.Hooks{
		OnRegister:   metrics.Listeners.Inc,
		OnDeregister: metrics.Listeners.Dec,
		OnDeliver:    metrics.EventsDelivered.Inc,
	}
	e := &Engine{
		values:  fanout.NewHub[topic.Name, ValueChanged](hooks),
		conns:   fanout.NewHub[struct{}, ConnectionChanged](hooks),
		pending: make(map[topic.Name]topic.Value),
		logger:  logger.With("component", "engine"),
	}
	e.cache = cache.New(cache.WithObserver(e.observe))

	sessCfg := cfg.Session
	if sessCfg.Logger == nil {
		sessCfg.Logger = logger
	}
	hook := sessCfg.BeforeConnected
	sessCfg.BeforeConnected = func() {
		e.cache.Reset()
		if hook != nil {
			hook()
		}
	}
	e.session = connection.NewSession(d, connection.HandlerFunc(e.handleValue), sessCfg)

	muxCfg := cfg.Subscriptions
	if muxCfg.Logger == nil {
		muxCfg.Logger = logger
	}
	e.mux = subscription.NewMultiplexer(e.session, muxCfg)
	e.states = e.session.OnStateChange(e.onStateChange)
	return e
}

// observe runs under the cache write lock, so events are queued in the
// order updates were applied.
func (e *Engine) observe(c cache.Change) {
	metrics.UpdatesApplied.WithLabelValues(c.Entry.Origin.String()).Inc()
	e.values.Publish(c.Name, ValueChanged{
		Topic:     c.Name,
		Value:     c.Entry.Value,
		Timestamp: c.Entry.Timestamp,
		Origin:    c.Entry.Origin,
	})
}

// handleValue is the receive path for server pushes.
func (e *Engine) handleValue(name topic.Name, v topic.Value, timestamp int64) {
	if !e.mux.Active(name) {
		metrics.UpdatesDropped.WithLabelValues("inactive").Inc()
		return
	}
	_, applied, err := e.cache.Apply(name, v, timestamp)
	switch {
	case err != nil:
		metrics.UpdatesDropped.WithLabelValues("type_mismatch").Inc()
		e.logger.Warn("remote update rejected", "topic", name, "error", err)
	case !applied:
		metrics.UpdatesDropped.WithLabelValues("stale").Inc()
	}
}

func (e *Engine) onStateChange(sc connection.StateChange) {
	switch sc.New {
	case connection.StateConnected:
		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		e.flushPending(ctx)
		if err := e.mux.Resync(ctx); err != nil {
			e.logger.Warn("resubscribe after connect failed", "error", err)
		}
		cancel()
	case connection.StateDisconnected:
		e.mux.MarkDisconnected()
	}

	e.conns.Publish(struct{}{}, ConnectionChanged{
		State:     sc.New,
		Connected: sc.New == connection.StateConnected,
		Address:   sc.Address,
		Err:       sc.Err,
	})
}

// Connect connects to address (host, host:port or a team address).
func (e *Engine) Connect(ctx context.Context, address string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.session.Connect(ctx, address)
}

// Disconnect closes the connection. Subscriptions stay registered and are
// re-established by the next Connect.
func (e *Engine) Disconnect() {
	e.session.Disconnect()
}

// State returns the session state.
func (e *Engine) State() connection.State { return e.session.State() }

// Address returns the current or last target address.
func (e *Engine) Address() string { return e.session.Address() }

// ServerTime estimates the server clock in microseconds. It returns 0 until
// the clock has been synchronized with a connected server.
func (e *Engine) ServerTime() int64 {
	ts, ok := e.session.ServerTime()
	if !ok {
		return 0
	}
	return ts
}

// stampLocked picks the cache and wire timestamps for a local write to
// name. Before the clock is synchronized the local estimate is unrelated to
// the server's clock: the cached timestamp is kept so the next remote
// update for the topic still wins, and zero is sent so the server stamps
// the value on receipt.
func (e *Engine) stampLocked(name topic.Name) (local, wire int64) {
	if ts, ok := e.session.ServerTime(); ok {
		return ts, ts
	}
	if prev, ok := e.cache.Get(name); ok {
		return prev.Timestamp, 0
	}
	return 0, 0
}

// Subscribe registers interest in name.
func (e *Engine) Subscribe(ctx context.Context, name topic.Name) (subscription.Handle, error) {
	if e.closed.Load() {
		return subscription.Handle{}, ErrClosed
	}
	if _, err := topic.ParseName(string(name)); err != nil {
		return subscription.Handle{}, err
	}
	return e.mux.Subscribe(ctx, name)
}

// Unsubscribe releases h. Released and unknown handles are a no-op.
func (e *Engine) Unsubscribe(ctx context.Context, h subscription.Handle) error {
	_, err := e.unsubscribe(ctx, h)
	return err
}

func (e *Engine) unsubscribe(ctx context.Context, h subscription.Handle) (bool, error) {
	ok, err := e.mux.Unsubscribe(ctx, h)
	if err != nil {
		e.logger.Warn("unsubscribe failed", "topic", h.Topic(), "error", err)
	}
	return ok, err
}

// UnsubscribeTopic releases one handle held for name.
func (e *Engine) UnsubscribeTopic(ctx context.Context, name topic.Name) (bool, error) {
	ok, err := e.mux.UnsubscribeTopic(ctx, name)
	if err != nil {
		e.logger.Warn("unsubscribe failed", "topic", name, "error", err)
	}
	return ok, err
}

// Active reports whether name has live subscriptions.
func (e *Engine) Active(name topic.Name) bool { return e.mux.Active(name) }

// Topics returns the topics with live subscriptions.
func (e *Engine) Topics() []topic.Name { return e.mux.Topics() }

// Get returns the cached entry for name. It never blocks on the network.
func (e *Engine) Get(name topic.Name) (topic.Entry, bool) {
	return e.cache.Get(name)
}

// Read returns the cached value for name, or def when nothing is cached.
func (e *Engine) Read(name topic.Name, def topic.Value) topic.Value {
	if entry, ok := e.cache.Get(name); ok {
		return entry.Value
	}
	return def
}

// Snapshot returns a copy of the cache.
func (e *Engine) Snapshot() map[topic.Name]topic.Entry {
	return e.cache.Snapshot()
}

// Write applies v to the cache and publishes it. While disconnected the
// value is queued and sent on the next connection; the latest value per
// topic wins. A failed publish returns a *WriteError and the cached value
// is kept.
func (e *Engine) Write(ctx context.Context, name topic.Name, v topic.Value) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if _, err := topic.ParseName(string(name)); err != nil {
		return err
	}
	if v.IsZero() {
		return topic.ErrUnsupportedValue
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ts, wire := e.stampLocked(name)
	if _, err := e.cache.Write(name, v, ts); err != nil {
		return err
	}

	if e.session.State() != connection.StateConnected {
		e.queueLocked(name, v)
		return nil
	}
	if err := e.session.Publish(ctx, name, v, wire); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			e.queueLocked(name, v)
			return nil
		}
		metrics.Writes.WithLabelValues("failed").Inc()
		e.logger.Warn("write not sent", "topic", name, "error", err)
		return &WriteError{Topic: name, Err: err}
	}
	// A queued older value must not be flushed over this one.
	delete(e.pending, name)
	metrics.Writes.WithLabelValues("published").Inc()
	return nil
}

func (e *Engine) queueLocked(name topic.Name, v topic.Value) {
	e.pending[name] = v
	metrics.Writes.WithLabelValues("queued").Inc()
	e.logger.Debug("write queued until connected", "topic", name)
}

// Pending returns the number of queued writes.
func (e *Engine) Pending() int {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return len(e.pending)
}

// flushPending publishes queued writes in topic order. Writes that still
// cannot be sent stay queued.
func (e *Engine) flushPending(ctx context.Context) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if len(e.pending) == 0 {
		return
	}

	names := make([]topic.Name, 0, len(e.pending))
	for name := range e.pending {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	for _, name := range names {
		v := e.pending[name]
		ts, wire := e.stampLocked(name)
		if _, err := e.cache.Write(name, v, ts); err != nil {
			e.logger.Warn("queued write dropped", "topic", name, "error", err)
			delete(e.pending, name)
			continue
		}
		err := e.session.Publish(ctx, name, v, wire)
		if errors.Is(err, connection.ErrNotConnected) {
			return
		}
		delete(e.pending, name)
		if err != nil {
			metrics.Writes.WithLabelValues("failed").Inc()
			e.logger.Warn("queued write not sent", "topic", name, "error", err)
			continue
		}
		metrics.Writes.WithLabelValues("published").Inc()
	}
}

// OnValueChanged registers fn for every update applied to name from now
// until the registration is closed. Registration is independent of
// subscription; either may come first.
func (e *Engine) OnValueChanged(name topic.Name, fn func(ValueChanged)) *fanout.Registration[ValueChanged] {
	return e.values.Register(name, fn)
}

// OnConnectionChanged registers fn for every connection state transition.
func (e *Engine) OnConnectionChanged(fn func(ConnectionChanged)) *fanout.Registration[ConnectionChanged] {
	return e.conns.Register(struct{}{}, fn)
}

// Listeners returns the number of value listeners on name.
func (e *Engine) Listeners(name topic.Name) int { return e.values.Count(name) }

// Close disconnects and deregisters every listener.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.session.Close()
	e.states.Close()
	e.values.Close()
	e.conns.Close()
}
