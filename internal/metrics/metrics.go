// Package metrics exposes Ringwatch's Prometheus metrics from a private
// registry.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

const namespace = "ringwatch"

// Pattern label values for PatternsDetected.
const (
	PatternCycles      = "cycle"
	PatternFanIn       = "fan_in"
	PatternFanOut      = "fan_out"
	PatternShellChains = "layered_shell"
)

// Metrics holds the registry and the service metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	DetectionsTotal     *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	PatternsDetected    *prometheus.CounterVec
	FraudRingsTotal     *prometheus.CounterVec
	SuspiciousAccounts  prometheus.Histogram
	BuildInfo           *prometheus.GaugeVec
}

// New creates a registry with the Go and process collectors and registers
// every Ringwatch metric on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = m.newCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	m.HTTPRequestDuration = m.newHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.DetectionsTotal = m.newCounterVec(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Detection sessions by final status",
	}, []string{"status"})

	m.StageDuration = m.newHistogramVec(prometheus.HistogramOpts{
		Name:    "detection_stage_duration_seconds",
		Help:    "Duration of each detection pipeline stage",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"stage"})

	m.PatternsDetected = m.newCounterVec(prometheus.CounterOpts{
		Name: "patterns_detected_total",
		Help: "Pattern instances found by the detectors",
	}, []string{"pattern"})

	m.FraudRingsTotal = m.newCounterVec(prometheus.CounterOpts{
		Name: "fraud_rings_total",
		Help: "Fraud rings reported by pattern type",
	}, []string{"pattern"})

	m.SuspiciousAccounts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "suspicious_accounts",
		Help:      "Suspicious accounts flagged per detection",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
	reg.MustRegister(m.SuspiciousAccounts)

	slog.Debug("metrics registry initialized")
	return m
}

func (m *Metrics) newCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	opts.Namespace = namespace
	cv := prometheus.NewCounterVec(opts, labels)
	m.registry.MustRegister(cv)
	return cv
}

func (m *Metrics) newHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	opts.Namespace = namespace
	hv := prometheus.NewHistogramVec(opts, labels)
	m.registry.MustRegister(hv)
	return hv
}

// RegisterBuildInfo publishes a constant gauge carrying the version.
func (m *Metrics) RegisterBuildInfo(version string) {
	if m == nil || m.BuildInfo != nil {
		return
	}
	if version == "" {
		version = "unknown"
	}
	m.BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information",
	}, []string{"version"})
	m.registry.MustRegister(m.BuildInfo)
	m.BuildInfo.WithLabelValues(version).Set(1)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveStage records the duration of a pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// DetectionFailed counts a failed session.
func (m *Metrics) DetectionFailed() {
	if m == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues(domain.StatusFailed).Inc()
}

// ObserveResult counts a completed session and what it found.
func (m *Metrics) ObserveResult(result *domain.DetectionResult) {
	if m == nil || result == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues(domain.StatusCompleted).Inc()

	d := result.Details
	m.PatternsDetected.WithLabelValues(PatternCycles).Add(float64(d.CyclesDetected))
	m.PatternsDetected.WithLabelValues(PatternFanIn).Add(float64(d.FanInPatterns))
	m.PatternsDetected.WithLabelValues(PatternFanOut).Add(float64(d.FanOutPatterns))
	m.PatternsDetected.WithLabelValues(PatternShellChains).Add(float64(d.LayeredShellChains))

	for _, ring := range result.FraudRings {
		m.FraudRingsTotal.WithLabelValues(string(ring.PatternType)).Inc()
	}
	m.SuspiciousAccounts.Observe(float64(len(result.SuspiciousAccounts)))
}
