package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Default backoff parameters. Robot networks are local, so the ceiling is
// much lower than for internet-facing clients.
const (
	InitialBackoff    = 500 * time.Millisecond
	MaxBackoff        = 10 * time.Second
	BackoffMultiplier = 2.0
	JitterFactor      = 0.25
)

// BackoffConfig customizes a Backoff. Zero fields use the defaults.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = InitialBackoff
	}
	if c.Max <= 0 {
		c.Max = MaxBackoff
	}
	c.Max = max(c.Max, c.Initial)
	if c.Multiplier <= 1 {
		c.Multiplier = BackoffMultiplier
	}
	c.Jitter = max(c.Jitter, 0)
	return c
}

// Backoff is a bounded retry schedule. Each call to Next spends one attempt
// from the budget and returns how long to wait before it:
//
//	delay(n) = min(Initial*Multiplier^n, Max) * (1 + random[0, Jitter))
//
// A Backoff with a zero budget never runs out.
type Backoff struct {
	cfg    BackoffConfig
	budget int

	mu    sync.Mutex
	step  int
	spent int
	rng   *rand.Rand
}

// NewBackoff returns a schedule with default parameters, the default
// jitter and no attempt limit.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{Jitter: JitterFactor}, 0)
}

// NewBackoffWithConfig returns a schedule that allows budget attempts
// between resets. A budget <= 0 is unlimited.
func NewBackoffWithConfig(cfg BackoffConfig, budget int) *Backoff {
	return &Backoff{
		cfg:    cfg.withDefaults(),
		budget: max(budget, 0),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the next attempt. ok is false once the
// budget is spent; the schedule then stays exhausted until Reset.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.budget > 0 && b.spent >= b.budget {
		return 0, false
	}
	b.spent++

	base := b.base(b.step)
	if base < b.cfg.Max {
		b.step++
	}
	if b.cfg.Jitter > 0 {
		base += time.Duration(float64(base) * b.cfg.Jitter * b.rng.Float64())
	}
	return base, true
}

// base is the un-jittered delay for step n, capped at Max.
func (b *Backoff) base(n int) time.Duration {
	d := float64(b.cfg.Initial)
	for i := 0; i < n; i++ {
		d *= b.cfg.Multiplier
		if d >= float64(b.cfg.Max) {
			return b.cfg.Max
		}
	}
	return time.Duration(d)
}

// Reset restores the full budget and the initial delay. The session calls
// it after every successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.step = 0
	b.spent = 0
}

// Remaining reports how many attempts are left, or -1 when unlimited.
func (b *Backoff) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.budget == 0 {
		return -1
	}
	return b.budget - b.spent
}
