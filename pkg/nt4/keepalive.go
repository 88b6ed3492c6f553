package nt4

import (
	"sync"
	"time"
)

// Keep-alive defaults. Each ping is an NT4 time-sync request, so the same
// loop keeps the clock offset fresh and detects a dead peer.
const (
	DefaultPingInterval   = 2 * time.Second
	DefaultPongTimeout    = 1 * time.Second
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures liveness monitoring.
type KeepAliveConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMissedPongs int
}

// DefaultKeepAliveConfig returns the default configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// DetectionDelay is the longest a dead peer can go unnoticed.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

type pong struct {
	client int64
	server int64
	at     time.Time
}

// keepAlive sends time-sync pings and tracks replies.
type keepAlive struct {
	config KeepAliveConfig

	sendPing  func(clientUs int64) error
	onTimeout func()
	onSync    func(rtt time.Duration, offset int64)

	mu         sync.Mutex
	running    bool
	missed     int
	pending    int64
	hasPending bool
	lastPing   time.Time

	stopCh chan struct{}
	pongCh chan pong
}

func newKeepAlive(config KeepAliveConfig, sendPing func(int64) error, onTimeout func(), onSync func(time.Duration, int64)) *keepAlive {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = DefaultPongTimeout
	}
	if config.MaxMissedPongs <= 0 {
		config.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return &keepAlive{
		config:    config,
		sendPing:  sendPing,
		onTimeout: onTimeout,
		onSync:    onSync,
		stopCh:    make(chan struct{}),
		pongCh:    make(chan pong, 4),
	}
}

func (ka *keepAlive) start() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if ka.running {
		return
	}
	ka.running = true
	go ka.loop()
}

func (ka *keepAlive) stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// received records a time-sync reply.
func (ka *keepAlive) received(clientUs, serverUs int64) {
	select {
	case ka.pongCh <- pong{client: clientUs, server: serverUs, at: time.Now()}:
	default:
	}
}

func (ka *keepAlive) loop() {
	ticker := time.NewTicker(ka.config.PingInterval)
	defer ticker.Stop()

	ka.ping()
	for {
		select {
		case <-ka.stopCh:
			return
		case <-ticker.C:
			if ka.tick() {
				return
			}
		case p := <-ka.pongCh:
			ka.handlePong(p)
		}
	}
}

func (ka *keepAlive) ping() {
	now := time.Now()
	clientUs := now.UnixMicro()

	ka.mu.Lock()
	ka.lastPing = now
	ka.pending = clientUs
	ka.hasPending = true
	ka.mu.Unlock()

	if err := ka.sendPing(clientUs); err != nil {
		// A dead socket is reported by the read loop; the timeout covers
		// the rest.
		ka.mu.Lock()
		ka.hasPending = false
		ka.mu.Unlock()
	}
}

// tick reports true when the peer is considered dead.
func (ka *keepAlive) tick() bool {
	ka.mu.Lock()
	if ka.hasPending && time.Since(ka.lastPing) >= ka.config.PongTimeout {
		ka.missed++
		ka.hasPending = false
		if ka.missed >= ka.config.MaxMissedPongs {
			ka.mu.Unlock()
			if ka.onTimeout != nil {
				ka.onTimeout()
			}
			return true
		}
	}
	ka.mu.Unlock()

	ka.ping()
	return false
}

func (ka *keepAlive) handlePong(p pong) {
	ka.mu.Lock()
	if !ka.hasPending || p.client != ka.pending {
		ka.mu.Unlock()
		return
	}
	rtt := p.at.Sub(ka.lastPing)
	ka.hasPending = false
	ka.missed = 0
	ka.mu.Unlock()

	offset := p.server + rtt.Microseconds()/2 - p.at.UnixMicro()
	if ka.onSync != nil {
		ka.onSync(rtt, offset)
	}
}

func (ka *keepAlive) missedPongs() int {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.missed
}
