// internal/metrics/prom.go
// Package metrics centralises Prometheus metric registration for both
// tunnel binaries (relay, agent), the way the teacher's internal/metrics
// package does for flarego's agent/gateway — typed collectors plus a single
// Register(), import-cycle-free. Registers with the global
// prometheus.DefaultRegisterer, exposed via /metrics in cmd/flarego-relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var once sync.Once

var (
	// Gauge metrics ----------------------------------------------------------
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flarego_tunnel",
		Subsystem: "relay",
		Name:      "sessions",
		Help:      "Number of currently registered agent sessions (authenticated or not).",
	})

	Ports = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flarego_tunnel",
		Subsystem: "relay",
		Name:      "ports",
		Help:      "Number of currently registered exposed ports.",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flarego_tunnel",
		Subsystem: "relay",
		Name:      "connections_active",
		Help:      "Number of live external connections tracked in the connection table.",
	})

	BackpressureActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flarego_tunnel",
		Subsystem: "datachannel",
		Name:      "backpressure_active",
		Help:      "Number of TCP data-channel frame writes currently in progress.",
	})

	UDPSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flarego_tunnel",
		Subsystem: "udp",
		Name:      "sessions",
		Help:      "Number of live UDP NAT-tracked sessions.",
	})

	// Counter metrics ---------------------------------------------------------
	ConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flarego_tunnel",
		Subsystem: "relay",
		Name:      "connections_total",
		Help:      "Total external connections accepted, by protocol.",
	}, []string{"protocol"})

	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flarego_tunnel",
		Subsystem: "datachannel",
		Name:      "frames_total",
		Help:      "Total data frames processed, by direction.",
	}, []string{"direction"})

	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flarego_tunnel",
		Subsystem: "agent",
		Name:      "reconnects_total",
		Help:      "Total number of agent reconnect attempts.",
	})

	HeartbeatSweepRemovals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flarego_tunnel",
		Subsystem: "relay",
		Name:      "heartbeat_sweep_removals_total",
		Help:      "Total sessions removed by the heartbeat sweeper due to timeout.",
	})
)

// Register exports all metrics; safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			Sessions,
			Ports,
			ConnectionsActive,
			BackpressureActive,
			UDPSessions,
			ConnectionsTotal,
			FramesTotal,
			ReconnectsTotal,
			HeartbeatSweepRemovals,
		)
	})
}
