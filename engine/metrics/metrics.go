// Package metrics exports sanitizer activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drummonds/pdfsanitize/batch"
	"github.com/drummonds/pdfsanitize/session"
)

const namespace = "pdfsanitize"

// Metrics holds the sanitizer collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	documentsTotal  *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	statesTotal     *prometheus.CounterVec
	pagesTotal      prometheus.Counter
	pagesSkipped    prometheus.Counter
}

var _ batch.Recorder = (*Metrics)(nil)

// New registers the sanitizer metrics, plus Go runtime and process metrics, in
// a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sanitization sessions currently running",
		}),
		documentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Total number of documents by final status and failure kind",
		}, []string{"status", "kind"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of session duration in seconds",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		statesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_states_total",
			Help:      "Total number of session state transitions by state entered",
		}, []string{"state"}),
		pagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Total number of pages written to sanitized documents",
		}),
		pagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_skipped_total",
			Help:      "Total number of pages the rendering server could not render",
		}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.documentsTotal,
		m.sessionDuration,
		m.statesTotal,
		m.pagesTotal,
		m.pagesSkipped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) SetInFlight(n int) {
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) ObserveOutcome(out session.Outcome) {
	status := out.Status.String()
	m.documentsTotal.WithLabelValues(status, out.Kind).Inc()
	if out.Duration > 0 {
		m.sessionDuration.WithLabelValues(status).Observe(out.Duration.Seconds())
	}
	if out.Succeeded() {
		m.pagesTotal.Add(float64(out.Pages))
		m.pagesSkipped.Add(float64(len(out.Skipped)))
	}
}

func (m *Metrics) ObserveState(s session.State) {
	m.statesTotal.WithLabelValues(s.String()).Inc()
}
