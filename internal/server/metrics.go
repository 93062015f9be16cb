package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	onlineDevices   prometheus.Gauge
	bufferedEvents  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	authFailures    prometheus.Counter
	frameErrors     *prometheus.CounterVec
	frameLatency    *prometheus.HistogramVec
	eventsForwarded *prometheus.CounterVec
	eventsBuffered  *prometheus.CounterVec
	bufferEvictions *prometheus.CounterVec
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		onlineDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clipshare_devices_online",
			Help: "Current number of authenticated online devices.",
		}),
		bufferedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clipshare_buffered_events",
			Help: "Current number of events buffered for offline devices.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clipshare_sessions_total",
			Help: "Total number of authenticated sessions since start.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clipshare_auth_failures_total",
			Help: "Handshakes rejected before authentication completed.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipshare_relay_errors_total",
			Help: "Protocol errors reported to clients.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clipshare_relay_latency_seconds",
			Help:    "Latency for handling relay messages.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		eventsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipshare_events_forwarded_total",
			Help: "Events forwarded directly to an online device.",
		}, []string{"type"}),
		eventsBuffered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipshare_events_buffered_total",
			Help: "Events queued for an offline device.",
		}, []string{"type"}),
		bufferEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clipshare_buffer_evictions_total",
			Help: "Buffered events dropped to respect the per-device bound.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.onlineDevices,
		m.bufferedEvents,
		m.sessionsTotal,
		m.authFailures,
		m.frameErrors,
		m.frameLatency,
		m.eventsForwarded,
		m.eventsBuffered,
		m.bufferEvictions,
	)
	return m
}

func (m *relayMetrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
}

func (m *relayMetrics) setOnlineDevices(n int) {
	if m == nil {
		return
	}
	m.onlineDevices.Set(float64(n))
}

func (m *relayMetrics) setBufferedEvents(n int) {
	if m == nil {
		return
	}
	m.bufferedEvents.Set(float64(n))
}

func (m *relayMetrics) recordAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *relayMetrics) recordForwarded(eventType string) {
	if m == nil {
		return
	}
	m.eventsForwarded.WithLabelValues(eventType).Inc()
}

func (m *relayMetrics) recordBuffered(eventType string) {
	if m == nil {
		return
	}
	m.eventsBuffered.WithLabelValues(eventType).Inc()
}

func (m *relayMetrics) recordEviction(eventType string) {
	if m == nil {
		return
	}
	m.bufferEvictions.WithLabelValues(eventType).Inc()
}
