// Package metrics defines the Prometheus collectors of the inference bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "harupan"

// Metrics groups the collectors updated by the inference service.
type Metrics struct {
	calls        *prometheus.CounterVec
	inference    *prometheus.HistogramVec
	preprocess   prometheus.Histogram
	loadedModels prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Total number of bridge calls",
			},
			[]string{"method", "code"}, // code: ok or an error code
		),
		inference: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_seconds",
				Help:      "Duration of model forward passes in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"model"},
		),
		preprocess: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "preprocess_duration_seconds",
				Help:      "Duration of image decoding and tensor packing in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		loadedModels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "loaded_models",
				Help:      "Number of models with an open session",
			},
		),
	}
	reg.MustRegister(m.calls, m.inference, m.preprocess, m.loadedModels)
	return m
}

func (m *Metrics) ObserveCall(method, code string) {
	m.calls.WithLabelValues(method, code).Inc()
}

func (m *Metrics) ObserveInference(model string, d time.Duration) {
	m.inference.WithLabelValues(model).Observe(d.Seconds())
}

func (m *Metrics) ObservePreprocess(d time.Duration) {
	m.preprocess.Observe(d.Seconds())
}

func (m *Metrics) SetLoadedModels(n int) {
	m.loadedModels.Set(float64(n))
}
