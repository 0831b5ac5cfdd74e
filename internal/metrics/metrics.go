// Package metrics exposes the engine's Prometheus instrumentation on a
// private registry so tests and embedders never collide with the global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	FramesProcessed *prometheus.CounterVec
	DetectionEvents *prometheus.CounterVec
	InferenceErrors *prometheus.CounterVec
	InferenceTime   prometheus.Histogram
	CPULoad         prometheus.Gauge
	ActiveTracks    *prometheus.GaugeVec
	SourceUp        *prometheus.GaugeVec
}

// New builds and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{registry: reg}

	m.FramesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "passage_frames_processed_total",
		Help: "Frames run through a tracking worker",
	}, []string{"camera_id"})
	reg.MustRegister(m.FramesProcessed)

	m.DetectionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "passage_detection_events_total",
		Help: "Durable detection events written, by type",
	}, []string{"camera_id", "event_type"})
	reg.MustRegister(m.DetectionEvents)

	m.InferenceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "passage_inference_errors_total",
		Help: "Detector calls that returned an error",
	}, []string{"camera_id"})
	reg.MustRegister(m.InferenceErrors)

	m.InferenceTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "passage_inference_seconds",
		Help:    "Detector round-trip latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	reg.MustRegister(m.InferenceTime)

	m.CPULoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "passage_cpu_load_percent",
		Help: "System CPU load as sampled by the scaling monitor",
	})
	reg.MustRegister(m.CPULoad)

	m.ActiveTracks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "passage_active_tracks",
		Help: "Live tracks per camera",
	}, []string{"camera_id"})
	reg.MustRegister(m.ActiveTracks)

	m.SourceUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "passage_source_up",
		Help: "Frame source streaming state (1=active)",
	}, []string{"camera_id"})
	reg.MustRegister(m.SourceUp)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
