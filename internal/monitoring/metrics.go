// Package monitoring exposes pipeline and lockout state as Prometheus
// metrics and a JSON status endpoint.
package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shizukutanaka/groundgate/internal/ingest"
	"github.com/shizukutanaka/groundgate/internal/model"
	"github.com/shizukutanaka/groundgate/internal/security"
)

const namespace = "groundgate"

// StateProvider exposes the lockout state
type StateProvider interface {
	Snapshot() security.Snapshot
}

// Metrics records pipeline decisions. It implements ingest.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	records  *prometheus.CounterVec
	outcomes *prometheus.CounterVec

	mu     sync.Mutex
	routes map[ingest.Route]uint64
}

// NewMetrics registers every collector on a private registry. state may be
// nil when adaptive security is disabled.
func NewMetrics(state StateProvider) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		routes:   make(map[ingest.Route]uint64),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records routed, by route",
		}, []string{"route"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_outcomes_total",
			Help:      "Record classifications, by outcome",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(m.records, m.outcomes)

	if state != nil {
		m.registerState(state)
	}
	return m
}

func (m *Metrics) registerState(state StateProvider) {
	gauge := func(name, help string, value func(security.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return value(state.Snapshot())
		})
	}

	m.registry.MustRegister(
		gauge("locked", "1 while a lockout is active", func(s security.Snapshot) float64 {
			if s.Locked {
				return 1
			}
			return 0
		}),
		gauge("weighted_fail_ratio", "Weighted failure ratio of the current window", func(s security.Snapshot) float64 {
			return s.WeightedFailRatio
		}),
		gauge("window_events", "Events currently in the window", func(s security.Snapshot) float64 {
			return float64(s.WindowEvents)
		}),
		gauge("consecutive_failures", "Failures since the last success or lockout", func(s security.Snapshot) float64 {
			return float64(s.ConsecutiveFailures)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Lockouts enabled since start",
		}, func() float64 {
			return float64(state.Snapshot().Lockouts)
		}),
	)
}

// Registry returns the registry backing /metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRoute counts a routed record
func (m *Metrics) RecordRoute(route ingest.Route) {
	m.records.WithLabelValues(string(route)).Inc()

	m.mu.Lock()
	m.routes[route]++
	m.mu.Unlock()
}

// RecordOutcome counts a classification
func (m *Metrics) RecordOutcome(outcome model.Outcome) {
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}

// Routes returns a copy of the per-route counts
func (m *Metrics) Routes() map[ingest.Route]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[ingest.Route]uint64, len(m.routes))
	for k, v := range m.routes {
		out[k] = v
	}
	return out
}
