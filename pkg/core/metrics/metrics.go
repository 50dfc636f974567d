// Package metrics holds the Prometheus metrics for the call engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Audio path
	FramesTotal         *prometheus.CounterVec
	PacerUnderrunsTotal prometheus.Counter
	CodecDropsTotal     prometheus.Counter

	// Conversation
	BargeInsTotal           *prometheus.CounterVec
	SessionsActive          prometheus.Gauge
	SessionsTotal           *prometheus.CounterVec
	SessionDuration         prometheus.Histogram
	ToolCallsTotal          *prometheus.CounterVec
	ProviderReconnectsTotal prometheus.Counter
}

// New creates a Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callbridge"
	}

	registry := prometheus.NewRegistry()

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Audio frames processed",
		},
		[]string{"direction"},
	)

	pacerUnderruns := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pacer_underruns_total",
			Help:      "Pacer ticks with no frame ready",
		},
	)

	codecDrops := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codec_drops_total",
			Help:      "Malformed or short frames dropped by the codec",
		},
	)

	bargeIns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller interruptions of agent speech",
		},
		[]string{"source"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Currently active call sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Call sessions by final status",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Call session duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	toolCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)

	reconnects := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_reconnects_total",
			Help:      "Provider session reconnect attempts",
		},
	)

	registry.MustRegister(
		framesTotal,
		pacerUnderruns,
		codecDrops,
		bargeIns,
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		toolCalls,
		reconnects,
	)

	return &Metrics{
		registry:                registry,
		FramesTotal:             framesTotal,
		PacerUnderrunsTotal:     pacerUnderruns,
		CodecDropsTotal:         codecDrops,
		BargeInsTotal:           bargeIns,
		SessionsActive:          sessionsActive,
		SessionsTotal:           sessionsTotal,
		SessionDuration:         sessionDuration,
		ToolCallsTotal:          toolCalls,
		ProviderReconnectsTotal: reconnects,
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
