// Package cache holds the latest known value of every topic seen during the
// current session.
//
// Remote updates are resolved last-writer-wins on the server timestamp, with
// ties going to the remote side. Local writes always apply. Reads never
// touch the network.
package cache

import (
	"sort"
	"sync"

	"github.com/ntsync/ntsync-go/pkg/topic"
)

// Change describes an update that was applied to the cache.
type Change struct {
	Name     topic.Name
	Entry    topic.Entry
	Previous topic.Entry
	HadValue bool
}

// Observer is called for every applied change while the cache write lock is
// held. Observers must not block and must not call back into the cache.
type Observer func(Change)

// Option configures a Cache.
type Option func(*Cache)

// WithObserver registers the change observer.
func WithObserver(fn Observer) Option {
	return func(c *Cache) { c.observer = fn }
}

// Cache is a concurrency-safe topic value store.
type Cache struct {
	mu       sync.RWMutex
	entries  map[topic.Name]topic.Entry
	observer Observer
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{entries: make(map[topic.Name]topic.Entry)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached entry for name.
func (c *Cache) Get(name topic.Name) (topic.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Apply merges a server update. It reports applied=false when the update is
// older than the cached entry.
func (c *Cache) Apply(name topic.Name, v topic.Value, timestamp int64) (topic.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, had := c.entries[name]
	if had {
		if err := topic.CheckKind(prev.Value, v); err != nil {
			return prev, false, err
		}
		if timestamp < prev.Timestamp {
			return prev, false, nil
		}
	}

	e := topic.Entry{Value: v, Timestamp: timestamp, Origin: topic.OriginRemote}
	c.store(name, e, prev, had)
	return e, true, nil
}

// Write applies a local optimistic write regardless of the cached timestamp.
func (c *Cache) Write(name topic.Name, v topic.Value, timestamp int64) (topic.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, had := c.entries[name]
	if had {
		if err := topic.CheckKind(prev.Value, v); err != nil {
			return prev, err
		}
	}

	e := topic.Entry{Value: v, Timestamp: timestamp, Origin: topic.OriginLocal}
	c.store(name, e, prev, had)
	return e, nil
}

// store must be called with mu held.
func (c *Cache) store(name topic.Name, e, prev topic.Entry, had bool) {
	c.entries[name] = e
	if c.observer != nil {
		c.observer(Change{Name: name, Entry: e, Previous: prev, HadValue: had})
	}
}

// Reset drops every entry. Called when a new session starts.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[topic.Name]topic.Entry)
}

// Len returns the number of cached topics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Names returns the cached topic names in sorted order.
func (c *Cache) Names() []topic.Name {
	c.mu.RLock()
	names := make([]topic.Name, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	c.mu.RUnlock()

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Snapshot returns a copy of all entries.
func (c *Cache) Snapshot() map[topic.Name]topic.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[topic.Name]topic.Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
