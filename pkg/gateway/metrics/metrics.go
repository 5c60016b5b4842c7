// Package metrics holds the Prometheus collectors for the call bridge.
//
// All Record methods are safe on a nil *Metrics so components can run
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	CallsRejected   *prometheus.CounterVec

	// Generation metrics
	GenerationsTotal  *prometheus.CounterVec
	BargeInsTotal     prometheus.Counter
	TimeToFirstAudio  prometheus.Histogram
	DiscardedUnits    *prometheus.CounterVec
	AudioBytesTotal   *prometheus.CounterVec
	ToolJobsTotal     *prometheus.CounterVec
	ToolJobDuration   *prometheus.HistogramVec
	ProviderErrors    *prometheus.CounterVec
	ProviderReconnect *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callbridge"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of calls currently bridged",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Calls by close reason",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Call duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		CallsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_rejected_total",
			Help:      "Calls turned away before bridging",
		}, []string{"reason"}),
		GenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generations started by trigger",
		}, []string{"trigger"}),
		BargeInsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller interruptions of agent speech",
		}),
		TimeToFirstAudio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_audio_seconds",
			Help:      "Delay from generation start to its first forwarded audio frame",
			Buckets:   []float64{0.2, 0.4, 0.6, 0.8, 1, 1.5, 2, 3, 5},
		}),
		DiscardedUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_units_total",
			Help:      "Speakable units dropped because their generation was superseded",
		}, []string{"reason"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes by direction",
		}, []string{"direction"}),
		ToolJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_jobs_total",
			Help:      "Tool jobs by tool and final state",
		}, []string{"tool", "state"}),
		ToolJobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_job_duration_seconds",
			Help:      "Tool job run time",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}, []string{"tool"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider stream failures",
		}, []string{"provider"}),
		ProviderReconnect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_reconnects_total",
			Help:      "Successful provider reconnects",
		}, []string{"provider"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.CallsRejected,
		m.GenerationsTotal,
		m.BargeInsTotal,
		m.TimeToFirstAudio,
		m.DiscardedUnits,
		m.AudioBytesTotal,
		m.ToolJobsTotal,
		m.ToolJobDuration,
		m.ProviderErrors,
		m.ProviderReconnect,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

// CallRejected counts a call refused at the webhook or the media stream.
func (m *Metrics) CallRejected(reason string) {
	if m == nil {
		return
	}
	m.CallsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) GenerationStarted(trigger string) {
	if m == nil {
		return
	}
	m.GenerationsTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) BargeIn() {
	if m == nil {
		return
	}
	m.BargeInsTotal.Inc()
}

func (m *Metrics) FirstAudio(d time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstAudio.Observe(d.Seconds())
}

func (m *Metrics) UnitsDiscarded(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DiscardedUnits.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) Audio(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) ToolJob(tool, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolJobsTotal.WithLabelValues(tool, state).Inc()
	if d > 0 {
		m.ToolJobDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

func (m *Metrics) ProviderError(provider string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider).Inc()
}

func (m *Metrics) ProviderReconnected(provider string) {
	if m == nil {
		return
	}
	m.ProviderReconnect.WithLabelValues(provider).Inc()
}
