package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ntsync/ntsync-go/pkg/connection"
	"github.com/ntsync/ntsync-go/pkg/metrics"
	"github.com/ntsync/ntsync-go/pkg/topic"
)

// Multiplexer errors.
var (
	ErrSubscribeFailed   = errors.New("subscribe failed")
	ErrUnsubscribeFailed = errors.New("unsubscribe failed")
	ErrResourceExhausted = errors.New("maximum subscription handles reached")
)

// DefaultMaxHandles caps the number of live handles.
const DefaultMaxHandles = 4096

// Wire issues wire-level subscription messages. connection.Session
// implements it and reports connection.ErrNotConnected while offline.
type Wire interface {
	Subscribe(ctx context.Context, name topic.Name) error
	Unsubscribe(ctx context.Context, name topic.Name) error
}

// Handle identifies one local subscription.
type Handle struct {
	id    uint64
	topic topic.Name
}

// ID returns the handle's process-unique identifier. Zero is never issued.
func (h Handle) ID() uint64 { return h.id }

// Topic returns the subscribed topic.
func (h Handle) Topic() topic.Name { return h.topic }

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.id == 0 }

// Config configures a Multiplexer.
type Config struct {
	MaxHandles int
	Logger     *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{MaxHandles: DefaultMaxHandles}
}

type topicState struct {
	mu    sync.Mutex
	count int
	wired bool

	// live mirrors count > 0 for lock-free reads on the receive path.
	live atomic.Bool
}

// Multiplexer reference-counts subscriptions per topic.
type Multiplexer struct {
	mu      sync.Mutex
	topics  map[topic.Name]*topicState
	handles map[uint64]topic.Name
	// reserved counts subscribes past the handle cap check whose handle
	// is not yet in handles.
	reserved int
	nextID   atomic.Uint64

	wire   Wire
	config Config
	logger *slog.Logger
}

// NewMultiplexer creates a multiplexer that issues wire calls through w.
func NewMultiplexer(w Wire, cfg Config) *Multiplexer {
	if cfg.MaxHandles <= 0 {
		cfg.MaxHandles = DefaultMaxHandles
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		topics:  make(map[topic.Name]*topicState),
		handles: make(map[uint64]topic.Name),
		wire:    w,
		config:  cfg,
		logger:  logger.With("component", "mux"),
	}
}

// state returns the per-topic state, creating it on first use. States are
// never removed so a topic's lock is stable for the process lifetime.
func (m *Multiplexer) state(name topic.Name) *topicState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.topics[name]
	if st == nil {
		st = &topicState{}
		m.topics[name] = st
	}
	return st
}

// Subscribe registers interest in name. The first handle for a topic issues
// one wire subscribe; if the session is offline the interest stays pending
// until Resync. Any other wire failure is returned and nothing changes.
func (m *Multiplexer) Subscribe(ctx context.Context, name topic.Name) (Handle, error) {
	if !m.reserve() {
		return Handle{}, ErrResourceExhausted
	}

	st := m.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.count == 0 {
		// Marked live before the wire call: the server may answer with a
		// value before Subscribe returns.
		st.live.Store(true)
		err := m.wire.Subscribe(ctx, name)
		switch {
		case err == nil:
			st.wired = true
			metrics.WireSubscribes.Inc()
		case errors.Is(err, connection.ErrNotConnected):
			st.wired = false
			m.logger.Debug("subscription pending until connected", "topic", name)
		default:
			st.live.Store(false)
			m.mu.Lock()
			m.reserved--
			m.mu.Unlock()
			return Handle{}, fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, name, err)
		}
		metrics.ActiveTopics.Inc()
	}
	st.count++

	h := Handle{id: m.nextID.Add(1), topic: name}
	m.mu.Lock()
	m.reserved--
	m.handles[h.id] = name
	m.mu.Unlock()
	return h, nil
}

// reserve claims a handle slot under the cap.
func (m *Multiplexer) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.handles)+m.reserved >= m.config.MaxHandles {
		return false
	}
	m.reserved++
	return true
}

// Unsubscribe releases h. The last handle for a topic issues one wire
// unsubscribe. It reports whether h was live; unknown or already released
// handles are a no-op.
func (m *Multiplexer) Unsubscribe(ctx context.Context, h Handle) (bool, error) {
	m.mu.Lock()
	name, ok := m.handles[h.id]
	if ok {
		delete(m.handles, h.id)
	}
	st := m.topics[name]
	m.mu.Unlock()
	if !ok || st == nil {
		return false, nil
	}
	return true, m.release(ctx, name, st)
}

// Lookup returns the live handle with the given ID.
func (m *Multiplexer) Lookup(id uint64) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.handles[id]
	if !ok {
		return Handle{}, false
	}
	return Handle{id: id, topic: name}, true
}

// UnsubscribeTopic releases one live handle for name. It reports false when
// no handle was held.
func (m *Multiplexer) UnsubscribeTopic(ctx context.Context, name topic.Name) (bool, error) {
	m.mu.Lock()
	var found uint64
	for id, n := range m.handles {
		if n == name && (found == 0 || id < found) {
			found = id
		}
	}
	if found == 0 {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.handles, found)
	st := m.topics[name]
	m.mu.Unlock()

	return true, m.release(ctx, name, st)
}

func (m *Multiplexer) release(ctx context.Context, name topic.Name, st *topicState) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.count == 0 {
		return nil
	}
	st.count--
	if st.count > 0 {
		return nil
	}
	st.live.Store(false)
	metrics.ActiveTopics.Dec()

	if !st.wired {
		return nil
	}
	st.wired = false
	err := m.wire.Unsubscribe(ctx, name)
	switch {
	case err == nil:
		metrics.WireUnsubscribes.Inc()
		return nil
	case errors.Is(err, connection.ErrNotConnected):
		return nil
	default:
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, name, err)
	}
}

// Active reports whether name has at least one live handle. It never blocks
// on an in-flight wire call.
func (m *Multiplexer) Active(name topic.Name) bool {
	m.mu.Lock()
	st := m.topics[name]
	m.mu.Unlock()
	return st != nil && st.live.Load()
}

// Count returns the number of live handles for name.
func (m *Multiplexer) Count(name topic.Name) int {
	st := m.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.count
}

// Topics returns the topics with live handles, sorted.
func (m *Multiplexer) Topics() []topic.Name {
	m.mu.Lock()
	var out []topic.Name
	for name, st := range m.topics {
		if st.live.Load() {
			out = append(out, name)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resync issues a wire subscribe for every topic with live handles that is
// not yet wired. Called after a new connection is established.
func (m *Multiplexer) Resync(ctx context.Context) error {
	var errs []error
	for _, name := range m.Topics() {
		st := m.state(name)
		st.mu.Lock()
		if st.count > 0 && !st.wired {
			if err := m.wire.Subscribe(ctx, name); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, name, err))
			} else {
				st.wired = true
				metrics.WireSubscribes.Inc()
			}
		}
		st.mu.Unlock()
	}
	if len(errs) > 0 {
		m.logger.Warn("resync incomplete", "failed", len(errs))
	}
	return errors.Join(errs...)
}

// MarkDisconnected forgets which topics are wired. Live handles are kept
// and re-established by the next Resync.
func (m *Multiplexer) MarkDisconnected() {
	m.mu.Lock()
	states := make([]*topicState, 0, len(m.topics))
	for _, st := range m.topics {
		states = append(states, st)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		st.wired = false
		st.mu.Unlock()
	}
}

// Wired reports whether name currently has a wire subscription.
func (m *Multiplexer) Wired(name topic.Name) bool {
	st := m.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.wired
}
