package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client-side Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsReceived       *prometheus.CounterVec
	DuplicatesSuppressed *prometheus.CounterVec
	IntentsEmitted       *prometheus.CounterVec
	IntentsDropped       *prometheus.CounterVec
	Reconnects           prometheus.Counter
	UnreadTotal          prometheus.Gauge
	BootstrapDuration    *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_events_received_total",
				Help: "Inbound realtime events by name",
			},
			[]string{"event"},
		),
		DuplicatesSuppressed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_duplicate_events_suppressed_total",
				Help: "Events whose side effects were suppressed by the dedup filter",
			},
			[]string{"event"},
		),
		IntentsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_intents_emitted_total",
				Help: "Outbound realtime intents written to the socket",
			},
			[]string{"intent"},
		),
		IntentsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_intents_dropped_total",
				Help: "Outbound realtime intents dropped before reaching the socket",
			},
			[]string{"intent"},
		),
		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_reconnect_attempts_total",
				Help: "Realtime reconnect attempts",
			},
		),
		UnreadTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsync_unread_total",
				Help: "Aggregate unread count across all conversations",
			},
		),
		BootstrapDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatsync_bootstrap_duration_seconds",
				Help:    "Duration of the users and conversations bootstrap load",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) DuplicateSuppressed(event string) {
	if m == nil {
		return
	}
	m.DuplicatesSuppressed.WithLabelValues(event).Inc()
}

func (m *Metrics) IntentEmitted(intent string) {
	if m == nil {
		return
	}
	m.IntentsEmitted.WithLabelValues(intent).Inc()
}

func (m *Metrics) IntentDropped(intent string) {
	if m == nil {
		return
	}
	m.IntentsDropped.WithLabelValues(intent).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.UnreadTotal.Set(float64(n))
}

// ObserveBootstrap records a bootstrap load; outcome is "ok", "error" or "timeout".
func (m *Metrics) ObserveBootstrap(d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.BootstrapDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
