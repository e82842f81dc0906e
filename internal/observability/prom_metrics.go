package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromMetrics implements ports.Metrics on Prometheus collectors.
type PromMetrics struct {
	units      *prometheus.CounterVec
	boundaries *prometheus.CounterVec
	warnings   *prometheus.CounterVec
	luminosity *prometheus.CounterVec
	fetches    *prometheus.HistogramVec
	artifacts  *prometheus.CounterVec
	traversals *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewPromMetrics registers the traversal collectors on reg. A nil reg uses
// the default registry.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PromMetrics{
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelquality_units_processed_total",
			Help: "Lumi-blocks folded into the aggregate.",
		}, []string{"tag"}),
		boundaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelquality_iov_boundaries_total",
			Help: "Interval of validity changes seen inside traversal ranges.",
		}, []string{"tag"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelquality_warnings_total",
			Help: "Recoverable conditions recorded by traversals.",
		}, []string{"kind"}),
		luminosity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelquality_luminosity_fb_total",
			Help: "Delivered luminosity accumulated, in inverse femtobarn.",
		}, []string{"tag"}),
		fetches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelquality_payload_fetch_seconds",
			Help:    "Latency of conditions payload fetches.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"outcome"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelquality_artifacts_emitted_total",
			Help: "Summary artifacts written.",
		}, []string{"format"}),
		traversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelquality_traversals_total",
			Help: "Finished traversals by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.units, m.boundaries, m.warnings, m.luminosity, m.fetches, m.artifacts, m.traversals)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

func (m *PromMetrics) UnitProcessed(tag string) { m.units.WithLabelValues(tag).Inc() }

func (m *PromMetrics) BoundaryDetected(tag string) { m.boundaries.WithLabelValues(tag).Inc() }

func (m *PromMetrics) WarningRecorded(kind string) { m.warnings.WithLabelValues(kind).Inc() }

func (m *PromMetrics) LuminosityAdded(tag string, fb float64) {
	if fb > 0 {
		m.luminosity.WithLabelValues(tag).Add(fb)
	}
}

func (m *PromMetrics) FetchObserved(seconds float64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(outcome).Observe(seconds)
}

func (m *PromMetrics) ArtifactEmitted(format string) { m.artifacts.WithLabelValues(format).Inc() }

func (m *PromMetrics) TraversalFinished(status string) { m.traversals.WithLabelValues(status).Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
