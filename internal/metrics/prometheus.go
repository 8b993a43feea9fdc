// Package metrics provides Prometheus metrics export for NFA-Bayes.
// Exposes classifier, capture and HTTP statistics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cvalentine99/nfa-bayes/internal/models"
)

const namespace = "nfa_bayes"

// Metrics holds all Prometheus metrics for NFA-Bayes.
type Metrics struct {
	Predictions        *prometheus.CounterVec
	PatternBoosts      *prometheus.CounterVec
	InvalidInputs      prometheus.Counter
	Confidence         prometheus.Histogram
	PredictLatency     prometheus.Histogram
	PacketsRead        *prometheus.CounterVec
	ModelReloads       *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPRequestLatency *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates metrics registered on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_total",
				Help:      "Total number of flow predictions by label",
			},
			[]string{"label"},
		),
		PatternBoosts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pattern_boosts_total",
				Help:      "Total number of threat-pattern boosts applied",
			},
			[]string{"pattern"},
		),
		InvalidInputs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalid_inputs_total",
				Help:      "Total number of rejected feature vectors",
			},
		),
		Confidence: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "prediction_confidence",
				Help:      "Malicious confidence of predictions",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
			},
		),
		PredictLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "predict_duration_seconds",
				Help:      "Time spent classifying one feature vector",
				Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 8),
			},
		),
		PacketsRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_read_total",
				Help:      "Packets read from capture files by outcome",
			},
			[]string{"outcome"},
		),
		ModelReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_reloads_total",
				Help:      "Model reload attempts by result",
			},
			[]string{"result"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.Predictions,
		m.PatternBoosts,
		m.InvalidInputs,
		m.Confidence,
		m.PredictLatency,
		m.PacketsRead,
		m.ModelReloads,
		m.HTTPRequests,
		m.HTTPRequestLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Pre-create label values so they export as zero.
	for _, l := range models.Labels() {
		m.Predictions.WithLabelValues(string(l))
	}

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObservePrediction records one successful prediction.
func (m *Metrics) ObservePrediction(p *models.Prediction, latency time.Duration) {
	m.Predictions.WithLabelValues(string(p.Label)).Inc()
	m.Confidence.Observe(p.Confidence)
	m.PredictLatency.Observe(latency.Seconds())
	for _, name := range p.Patterns {
		m.PatternBoosts.WithLabelValues(name).Inc()
	}
}

// ObserveInvalidInput records one rejected feature vector.
func (m *Metrics) ObserveInvalidInput() {
	m.InvalidInputs.Inc()
}

// ObservePacket records a packet read from a capture; decoded reports
// whether it carried an IP layer.
func (m *Metrics) ObservePacket(decoded bool) {
	if decoded {
		m.PacketsRead.WithLabelValues("decoded").Inc()
		return
	}
	m.PacketsRead.WithLabelValues("skipped").Inc()
}

// ObserveReload records a model reload attempt.
func (m *Metrics) ObserveReload(err error) {
	if err != nil {
		m.ModelReloads.WithLabelValues("failure").Inc()
		return
	}
	m.ModelReloads.WithLabelValues("success").Inc()
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
