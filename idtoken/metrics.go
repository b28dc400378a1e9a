package idtoken

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for token validation and key-set
// refresh operations.
type Metrics struct {
	validationTotal    *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	refreshTotal       *prometheus.CounterVec
	refreshDuration    prometheus.Histogram
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "idtoken"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.validationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "total",
			Help:      "Total number of token validation attempts",
		},
		[]string{"status", "reason"},
	)

	m.validationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "duration_seconds",
			Help:      "Token validation duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"status"},
	)

	m.refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "refresh_total",
			Help:      "Total number of key set refresh attempts",
		},
		[]string{"status"},
	)

	m.refreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "refresh_duration_seconds",
			Help:      "Key set refresh duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	m.cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "cache_hits_total",
			Help:      "Total number of key lookups served from the cached set",
		},
	)

	m.cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "cache_misses_total",
			Help:      "Total number of key lookups requiring a refresh",
		},
	)

	m.registry.MustRegister(
		m.validationTotal,
		m.validationDuration,
		m.refreshTotal,
		m.refreshDuration,
		m.cacheHits,
		m.cacheMisses,
	)

	return m
}

// RecordValidation records a token validation attempt.
func (m *Metrics) RecordValidation(status, reason string, duration time.Duration) {
	m.validationTotal.WithLabelValues(status, reason).Inc()
	m.validationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRefresh records a key set refresh attempt.
func (m *Metrics) RecordRefresh(status string, duration time.Duration) {
	m.refreshTotal.WithLabelValues(status).Inc()
	m.refreshDuration.Observe(duration.Seconds())
}

// RecordCacheHit records a key lookup answered by the cached set.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Inc()
}

// RecordCacheMiss records a key lookup that required contacting the
// provider.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Inc()
}

// Registry returns the Prometheus registry holding these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry. Duplicate
// registration, which occurs when clients are recreated over one shared
// registry, is silently ignored.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{
		m.validationTotal,
		m.validationDuration,
		m.refreshTotal,
		m.refreshDuration,
		m.cacheHits,
		m.cacheMisses,
	} {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
