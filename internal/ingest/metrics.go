package ingest

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the webhook API.
type Metrics struct {
	RequestsTotal  *prometheus.CounterVec
	EventsTotal    *prometheus.CounterVec
	ScheduledTotal *prometheus.CounterVec
}

// NewMetrics creates and registers ingest metrics. Labels must not include tokens or IPs; node_id is
// only taken from an authenticated token, never from the payload.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "spoor_ingest_requests_total", Help: "Total webhook requests by node and status"},
			[]string{"node_id", "status"}),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "spoor_ingest_events_total", Help: "Total events stored by node"},
			[]string{"node_id"}),
		ScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "spoor_ingest_enrichment_scheduled_total", Help: "Events whose source address was handed to enrichment"},
			[]string{"node_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.EventsTotal, m.ScheduledTotal)
	}
	return m
}

func (m *Metrics) IncRequests(nodeID string, status int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(nodeID, statusToString(status)).Inc()
}

func (m *Metrics) AddEvents(nodeID string, n int) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(nodeID).Add(float64(n))
}

func (m *Metrics) IncScheduled(nodeID string) {
	if m == nil {
		return
	}
	m.ScheduledTotal.WithLabelValues(nodeID).Inc()
}

func statusToString(code int) string {
	switch code {
	case 200, 400, 401, 405, 413, 429, 500, 503:
		return strconv.Itoa(code)
	default:
		return "other"
	}
}
