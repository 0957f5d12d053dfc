// Package metrics exposes session manager counters as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blemgr"

// Metrics groups the manager collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Discoveries     prometheus.Counter
	ConnectAttempts prometheus.Counter
	Reconnects      prometheus.Counter
	ConnectFailures prometheus.Counter
	Evictions       *prometheus.CounterVec
	PersistWrites   prometheus.Counter
	PersistSkips    prometheus.Counter
	KnownDevices    prometheus.Gauge
}

// New creates the collectors and registers them on reg (nil reg skips registration).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Discoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discoveries_total",
			Help:      "Advertisements accepted by the device registry.",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Transport connect calls issued.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Automatic reconnects after an unexpected disconnect.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Connect attempts reported as failed by the transport.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Devices evicted from the registry, by reason.",
		}, []string{"reason"}),
		PersistWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_writes_total",
			Help:      "Record writes handed to the persistence worker.",
		}),
		PersistSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_skips_total",
			Help:      "Record updates skipped by the persistence cooldown.",
		}),
		KnownDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_devices",
			Help:      "Devices currently held by the registry.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Discoveries, m.ConnectAttempts, m.Reconnects, m.ConnectFailures,
			m.Evictions, m.PersistWrites, m.PersistSkips, m.KnownDevices,
		)
	}
	return m
}

func (m *Metrics) IncDiscoveries() {
	if m != nil {
		m.Discoveries.Inc()
	}
}

func (m *Metrics) IncConnectAttempts() {
	if m != nil {
		m.ConnectAttempts.Inc()
	}
}

func (m *Metrics) IncReconnects() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) IncConnectFailures() {
	if m != nil {
		m.ConnectFailures.Inc()
	}
}

func (m *Metrics) IncEvictions(reason string) {
	if m != nil {
		m.Evictions.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncPersistWrites() {
	if m != nil {
		m.PersistWrites.Inc()
	}
}

func (m *Metrics) IncPersistSkips() {
	if m != nil {
		m.PersistSkips.Inc()
	}
}

func (m *Metrics) SetKnownDevices(n int) {
	if m != nil {
		m.KnownDevices.Set(float64(n))
	}
}
