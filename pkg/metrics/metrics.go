// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ntsync"

var (
	once sync.Once

	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "state",
		Help:      "Connection state (0 disconnected, 1 connecting, 2 connected)",
	})

	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "connect_attempts_total",
		Help:      "Connection attempts by result",
	}, []string{"result"})

	Disconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "disconnects_total",
		Help:      "Transitions into the disconnected state",
	})

	WireSubscribes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mux",
		Name:      "wire_subscribes_total",
		Help:      "Wire-level subscribe messages issued",
	})

	WireUnsubscribes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mux",
		Name:      "wire_unsubscribes_total",
		Help:      "Wire-level unsubscribe messages issued",
	})

	ActiveTopics = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mux",
		Name:      "active_topics",
		Help:      "Topics with at least one live subscription handle",
	})

	UpdatesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "updates_applied_total",
		Help:      "Cache updates applied by origin",
	}, []string{"origin"})

	UpdatesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "updates_dropped_total",
		Help:      "Remote updates not applied by reason",
	}, []string{"reason"})

	Listeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "listeners",
		Help:      "Registered value and connection listeners",
	})

	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "events_delivered_total",
		Help:      "Events handed to listener callbacks",
	})

	Writes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "writes_total",
		Help:      "Local writes by result (published, queued, failed)",
	}, []string{"result"})

	ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nt4",
		Name:      "protocol_errors_total",
		Help:      "Malformed messages received from the server",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ConnectionState)
		prometheus.MustRegister(ConnectAttempts)
		prometheus.MustRegister(Disconnects)
		prometheus.MustRegister(WireSubscribes)
		prometheus.MustRegister(WireUnsubscribes)
		prometheus.MustRegister(ActiveTopics)
		prometheus.MustRegister(UpdatesApplied)
		prometheus.MustRegister(UpdatesDropped)
		prometheus.MustRegister(Listeners)
		prometheus.MustRegister(EventsDelivered)
		prometheus.MustRegister(Writes)
		prometheus.MustRegister(ProtocolErrors)
	})
}
