package fanout

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records delivered events.
type collector struct {
	mu     sync.Mutex
	events []int
}

func (c *collector) add(v int) {
	c.mu.Lock()
	c.events = append(c.events, v)
	c.mu.Unlock()
}

func (c *collector) snapshot() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.events...)
}

func TestPublishOrderedExactlyOnce(t *testing.T) {
	h := NewHub[string, int](Hooks{})
	var c collector
	r := h.Register("/a", c.add)
	defer r.Close()

	for i := 0; i < 500; i++ {
		assert.Equal(t, 1, h.Publish("/a", i))
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 500 }, time.Second, 5*time.Millisecond)
	got := c.snapshot()
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d = %d, want %d", i, v, i)
		}
	}
	assert.Equal(t, uint64(500), r.Delivered())
}

func TestPublishOnlyMatchingKey(t *testing.T) {
	h := NewHub[string, int](Hooks{})
	var a, b collector
	ra := h.Register("/a", a.add)
	rb := h.Register("/b", b.add)
	defer ra.Close()
	defer rb.Close()

	h.Publish("/a", 1)
	h.Publish("/c", 2)

	require.Eventually(t, func() bool { return len(a.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, b.snapshot())
}

func TestSlowListenerDoesNotBlockOthers(t *testing.T) {
	h := NewHub[string, int](Hooks{})
	release := make(chan struct{})
	slow := h.Register("/a", func(int) { <-release })
	defer slow.Close()

	var fast collector
	rf := h.Register("/a", fast.add)
	defer rf.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish("/a", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on slow listener")
	}
	require.Eventually(t, func() bool { return len(fast.snapshot()) == 100 }, time.Second, 5*time.Millisecond)
	close(release)
}

func TestCloseStopsDelivery(t *testing.T) {
	h := NewHub[string, int](Hooks{})
	var c collector
	r := h.Register("/a", c.add)

	h.Publish("/a", 1)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	r.Close()
	r.Close() // idempotent
	assert.True(t, r.Closed())
	assert.Equal(t, 0, h.Count("/a"))
	assert.Equal(t, 0, h.Publish("/a", 2))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{1}, c.snapshot())
}

func TestCloseFromInsideCallback(t *testing.T) {
	h := NewHub[string, int](Hooks{})
	var calls atomic.Int32
	var r *Registration[int]
	ready := make(chan struct{})
	r = h.Register("/a", func(int) {
		<-ready
		calls.Add(1)
		r.Close()
	})
	close(ready)

	h.Publish("/a", 1)
	h.Publish("/a", 2)

	require.Eventually(t, r.Closed, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCloseDeliversAtMostOneInFlight(t *testing.T) {
	for round := 0; round < 50; round++ {
		h := NewHub[string, int](Hooks{})
		var started atomic.Int32
		r := h.Register("/a", func(int) {
			started.Add(1)
			time.Sleep(50 * time.Microsecond)
		})
		for i := 0; i < 100; i++ {
			h.Publish("/a", i)
		}
		time.Sleep(time.Duration(round*20) * time.Microsecond)

		r.Close()
		atClose := started.Load()
		time.Sleep(5 * time.Millisecond)
		assert.LessOrEqual(t, started.Load(), atClose+1, "round %d", round)
		assert.Zero(t, r.Pending())
	}
}

func TestHooksAndCounts(t *testing.T) {
	var registered, deregistered, delivered atomic.Int32
	h := NewHub[string, int](Hooks{
		OnRegister:   func() { registered.Add(1) },
		OnDeregister: func() { deregistered.Add(1) },
		OnDeliver:    func() { delivered.Add(1) },
	})

	r1 := h.Register("/a", func(int) {})
	h.Register("/b", func(int) {})
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, 1, h.Count("/a"))

	h.Publish("/a", 1)
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)

	r1.Close()
	h.Close()
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, int32(2), registered.Load())
	assert.Equal(t, int32(2), deregistered.Load())
}
