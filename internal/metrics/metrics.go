// Package metrics exposes Prometheus instrumentation for the tracker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the tracker.
type Metrics struct {
	TicksTotal       *prometheus.CounterVec // labels: type, outcome
	TickDuration     *prometheus.HistogramVec
	BroadcastsTotal  prometheus.Counter
	BroadcastClients prometheus.Gauge
	SnapshotCount    prometheus.Gauge
}

// New registers and returns all collectors.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitytrack_ticks_total",
			Help: "Tick executions by type and outcome",
		}, []string{"type", "outcome"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entitytrack_tick_duration_seconds",
			Help:    "Tick body duration by type",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitytrack_broadcasts_total",
			Help: "Payload broadcasts pushed to live subscribers",
		}),
		BroadcastClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "entitytrack_broadcast_clients",
			Help: "Currently connected live subscribers",
		}),
		SnapshotCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "entitytrack_snapshots",
			Help: "Persisted snapshots for the tracked entity",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.BroadcastsTotal,
		m.BroadcastClients,
		m.SnapshotCount,
	)
	return m
}
