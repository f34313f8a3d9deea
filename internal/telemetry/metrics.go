package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rjboer/GoDAB/internal/sdr"
)

// Metrics exports acquisition counters to Prometheus. It is both an
// sdr.Observer for the worker and a Reporter for periodic snapshots.
type Metrics struct {
	registry *prometheus.Registry

	refills        *prometheus.CounterVec
	refillErrors   *prometheus.CounterVec
	overwritten    *prometheus.CounterVec
	samples        *prometheus.CounterVec
	refillDuration *prometheus.HistogramVec
	available      *prometheus.GaugeVec
	frequency      *prometheus.GaugeVec
	level          *prometheus.GaugeVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dabsdr_refills_total",
			Help: "Successful hardware buffer refills.",
		}, []string{"device"}),
		refillErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dabsdr_refill_errors_total",
			Help: "Failed hardware buffer refills.",
		}, []string{"device"}),
		overwritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dabsdr_overwritten_samples_total",
			Help: "Unread samples dropped because the ring was full.",
		}, []string{"device"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dabsdr_samples_total",
			Help: "Samples delivered by the hardware.",
		}, []string{"device"}),
		refillDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dabsdr_refill_duration_seconds",
			Help:    "Time spent blocked in a hardware refill.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"device"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dabsdr_ring_available_samples",
			Help: "Unread samples in the ring.",
		}, []string{"device"}),
		frequency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dabsdr_frequency_hz",
			Help: "Tuned LO frequency.",
		}, []string{"device"}),
		level: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dabsdr_level_dbfs",
			Help: "Mean input power relative to full scale.",
		}, []string{"device"}),
	}
	m.registry.MustRegister(
		m.refills, m.refillErrors, m.overwritten, m.samples,
		m.refillDuration, m.available, m.frequency, m.level,
	)
	return m
}

func (m *Metrics) ObserveRefill(device string, samples int, elapsed time.Duration) {
	m.refills.WithLabelValues(device).Inc()
	m.samples.WithLabelValues(device).Add(float64(samples))
	m.refillDuration.WithLabelValues(device).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRefillError(device string, _ error) {
	m.refillErrors.WithLabelValues(device).Inc()
}

func (m *Metrics) ObserveOverflow(device string, lost int) {
	m.overwritten.WithLabelValues(device).Add(float64(lost))
}

// Report updates the gauges from a snapshot.
func (m *Metrics) Report(s Sample) {
	m.available.WithLabelValues(s.Device).Set(float64(s.Available))
	m.frequency.WithLabelValues(s.Device).Set(float64(s.FrequencyHz))
	if s.LevelDBFS != 0 {
		m.level.WithLabelValues(s.Device).Set(s.LevelDBFS)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	_ sdr.Observer = (*Metrics)(nil)
	_ Reporter     = (*Metrics)(nil)
)
