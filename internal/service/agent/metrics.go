package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports dispatch lifecycle counters. A nil *Metrics is a no-op.
type Metrics struct {
	connects   *prometheus.CounterVec
	duplicates prometheus.Counter
	cleanups   *prometheus.CounterVec
	tracked    prometheus.Gauge
}

// NewMetrics registers the agent collectors with reg, reusing collectors that
// are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicetodo",
			Subsystem: "agent",
			Name:      "connects_total",
			Help:      "Session connect outcomes",
		}, []string{"result"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicetodo",
			Subsystem: "agent",
			Name:      "duplicate_dispatches_removed_total",
			Help:      "Duplicate dispatches deleted while reconciling a room",
		}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicetodo",
			Subsystem: "agent",
			Name:      "cleanup_items_total",
			Help:      "Cleanup worker per-dispatch outcomes",
		}, []string{"outcome"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicetodo",
			Subsystem: "agent",
			Name:      "tracked_dispatches",
			Help:      "Dispatches currently held by the activity tracker",
		}),
	}

	if err := reg.Register(m.connects); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.connects = existing
			}
		}
	}
	if err := reg.Register(m.duplicates); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				m.duplicates = existing
			}
		}
	}
	if err := reg.Register(m.cleanups); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.cleanups = existing
			}
		}
	}
	if err := reg.Register(m.tracked); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				m.tracked = existing
			}
		}
	}
	return m
}

func (m *Metrics) recordConnect(result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(result).Inc()
}

func (m *Metrics) recordDuplicates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.duplicates.Add(float64(n))
}

func (m *Metrics) recordCleanup(report CleanupReport) {
	if m == nil {
		return
	}
	for _, result := range report.Results {
		m.cleanups.WithLabelValues(string(result.Outcome)).Inc()
	}
}

func (m *Metrics) setTracked(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}
