package enrich

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the enrichment workflows. Labels must not include IPs.
type Metrics struct {
	WorkflowsTotal   *prometheus.CounterVec
	GatedTotal       prometheus.Counter
	InFlight         prometheus.Gauge
	WorkflowDuration prometheus.Histogram
	// BreakerTransitions counts provider circuit breaker state changes.
	BreakerTransitions *prometheus.CounterVec
}

// NewMetrics creates and registers enrichment metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "spoor_enrich_workflows_total", Help: "Finished enrichment workflows by outcome"},
			[]string{"outcome"}),
		GatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "spoor_enrich_gated_total", Help: "Events not scheduled because the address is not a lookup candidate"}),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "spoor_enrich_inflight", Help: "Enrichment workflows dispatched and not yet finished"}),
		WorkflowDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spoor_enrich_workflow_duration_seconds",
				Help:    "Time from dispatch to lock release",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			}),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "spoor_enrich_breaker_transitions_total", Help: "Geo provider circuit breaker state changes"},
			[]string{"to"}),
	}
	if reg != nil {
		reg.MustRegister(m.WorkflowsTotal, m.GatedTotal, m.InFlight, m.WorkflowDuration, m.BreakerTransitions)
	}
	return m
}

func (m *Metrics) incGated() {
	if m == nil {
		return
	}
	m.GatedTotal.Inc()
}

func (m *Metrics) dispatched() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) finished(o Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.WorkflowsTotal.WithLabelValues(string(o)).Inc()
	m.WorkflowDuration.Observe(d.Seconds())
}

// BreakerChanged records a provider breaker transition; it matches geo.IPAPIConfig.OnBreakerChanged.
func (m *Metrics) BreakerChanged(from, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(to).Inc()
}
