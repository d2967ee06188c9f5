// Package metrics holds the Prometheus instrumentation for the bridge. All
// methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every counter and histogram the bridge records.
type Metrics struct {
	EventsReceivedTotal   *prometheus.CounterVec // by event kind
	ResponsesTotal        *prometheus.CounterVec // by HTTP status code
	LinesDeliveredTotal   prometheus.Counter
	DeliveryFailuresTotal prometheus.Counter
	DeliverySeconds       prometheus.Histogram

	IRCReconnectsTotal    prometheus.Counter
	IRCNickChangesTotal   prometheus.Counter
	IRCProbeFailuresTotal prometheus.Counter

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		EventsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neferus_events_received_total",
			Help: "Webhook events received, by event kind",
		}, []string{"event"}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neferus_responses_total",
			Help: "HTTP responses sent by the webhook endpoint, by status code",
		}, []string{"code"}),
		LinesDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "neferus_lines_delivered_total",
			Help: "Notification lines delivered to IRC channels",
		}),
		DeliveryFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "neferus_delivery_failures_total",
			Help: "Per-channel delivery failures",
		}),
		DeliverySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "neferus_delivery_seconds",
			Help:    "Time spent delivering one event to all channels",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		IRCReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "neferus_irc_reconnects_total",
			Help: "IRC connection attempts after the first",
		}),
		IRCNickChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "neferus_irc_nick_changes_total",
			Help: "Nickname changes, collisions and reclaims included",
		}),
		IRCProbeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "neferus_irc_probe_failures_total",
			Help: "Liveness probes that timed out on an established connection",
		}),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsReceivedTotal,
		m.ResponsesTotal,
		m.LinesDeliveredTotal,
		m.DeliveryFailuresTotal,
		m.DeliverySeconds,
		m.IRCReconnectsTotal,
		m.IRCNickChangesTotal,
		m.IRCProbeFailuresTotal,
	)
	return m
}

// Registry exposes the backing registry for the ops server's /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsReceivedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordResponse(code string) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordDelivery(lines int, failures int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LinesDeliveredTotal.Add(float64(lines))
	m.DeliveryFailuresTotal.Add(float64(failures))
	m.DeliverySeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.IRCReconnectsTotal.Inc()
}

func (m *Metrics) RecordNickChange() {
	if m == nil {
		return
	}
	m.IRCNickChangesTotal.Inc()
}

func (m *Metrics) RecordProbeFailure() {
	if m == nil {
		return
	}
	m.IRCProbeFailuresTotal.Inc()
}
