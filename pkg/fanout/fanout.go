// Package fanout delivers events to local listeners.
//
// Every registration owns an unbounded FIFO queue drained by its own
// goroutine. Publishing never blocks, a slow listener only delays itself,
// and each listener sees its events exactly once in publish order.
package fanout

import (
	"sync"
	"sync/atomic"
)

// Hooks are optional callbacks used for instrumentation.
type Hooks struct {
	OnRegister   func()
	OnDeregister func()
	OnDeliver    func()
}

// Registration is one listener. Close deregisters it.
type Registration[T any] struct {
	id    uint64
	fn    func(T)
	hooks Hooks

	mu     sync.Mutex
	queue  []T
	closed bool

	signal  chan struct{}
	done    chan struct{}
	onClose func()

	delivered atomic.Uint64
}

func newRegistration[T any](id uint64, fn func(T), hooks Hooks, onClose func()) *Registration[T] {
	r := &Registration[T]{
		id:      id,
		fn:      fn,
		hooks:   hooks,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go r.run()
	return r
}

// ID returns the registration's process-unique identifier.
func (r *Registration[T]) ID() uint64 { return r.id }

// enqueue appends ev to the queue. It returns false once the registration
// is closed.
func (r *Registration[T]) enqueue(ev T) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
		// Already signalled; the drain loop will pick this up.
	}
	return true
}

func (r *Registration[T]) run() {
	for {
		select {
		case <-r.done:
			return
		case <-r.signal:
		}

		for {
			r.mu.Lock()
			if r.closed || len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			ev := r.queue[0]
			var zero T
			r.queue[0] = zero
			r.queue = r.queue[1:]
			r.mu.Unlock()

			r.fn(ev)
			r.delivered.Add(1)
			if r.hooks.OnDeliver != nil {
				r.hooks.OnDeliver()
			}
		}
	}
}

// Close deregisters the listener and discards queued events. Close does not
// wait for delivery, so the one event already taken off the queue, if any,
// may still reach the callback after Close returns. Close is idempotent and
// safe to call from inside the callback.
func (r *Registration[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.queue = nil
	r.mu.Unlock()

	close(r.done)
	if r.onClose != nil {
		r.onClose()
	}
	if r.hooks.OnDeregister != nil {
		r.hooks.OnDeregister()
	}
}

// Closed reports whether Close has been called.
func (r *Registration[T]) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Pending returns the number of queued, undelivered events.
func (r *Registration[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Delivered returns the number of events handed to the callback.
func (r *Registration[T]) Delivered() uint64 {
	return r.delivered.Load()
}

// Hub groups registrations by key.
type Hub[K comparable, T any] struct {
	mu     sync.RWMutex
	byKey  map[K]map[uint64]*Registration[T]
	nextID atomic.Uint64
	hooks  Hooks
}

// NewHub creates an empty hub. The zero Hooks value disables instrumentation.
func NewHub[K comparable, T any](hooks Hooks) *Hub[K, T] {
	return &Hub[K, T]{
		byKey: make(map[K]map[uint64]*Registration[T]),
		hooks: hooks,
	}
}

// Register adds a listener for key.
func (h *Hub[K, T]) Register(key K, fn func(T)) *Registration[T] {
	id := h.nextID.Add(1)
	r := newRegistration(id, fn, h.hooks, func() { h.remove(key, id) })

	h.mu.Lock()
	regs := h.byKey[key]
	if regs == nil {
		regs = make(map[uint64]*Registration[T])
		h.byKey[key] = regs
	}
	regs[id] = r
	h.mu.Unlock()

	if h.hooks.OnRegister != nil {
		h.hooks.OnRegister()
	}
	return r
}

func (h *Hub[K, T]) remove(key K, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	regs := h.byKey[key]
	delete(regs, id)
	if len(regs) == 0 {
		delete(h.byKey, key)
	}
}

// Publish enqueues ev for every listener of key and returns how many
// listeners received it. It never blocks on a listener.
func (h *Hub[K, T]) Publish(key K, ev T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, r := range h.byKey[key] {
		if r.enqueue(ev) {
			n++
		}
	}
	return n
}

// Count returns the number of listeners for key.
func (h *Hub[K, T]) Count(key K) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byKey[key])
}

// Len returns the total number of listeners.
func (h *Hub[K, T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, regs := range h.byKey {
		n += len(regs)
	}
	return n
}

// Close deregisters every listener.
func (h *Hub[K, T]) Close() {
	h.mu.RLock()
	var all []*Registration[T]
	for _, regs := range h.byKey {
		for _, r := range regs {
			all = append(all, r)
		}
	}
	h.mu.RUnlock()

	for _, r := range all {
		r.Close()
	}
}
