// Package metrics exposes pipeline, stream and detection counters in the
// Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/facewatch/internal/pipeline"
	"github.com/kozaktomas/facewatch/internal/sink"
	"github.com/kozaktomas/facewatch/internal/stream"
)

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	Pipeline func() pipeline.Stats
	Streams  func() []stream.State
	Gallery  func() int
}

// Metrics holds the registry and the collectors fed by events.
type Metrics struct {
	registry *prometheus.Registry

	frameDuration prometheus.Histogram
	facesPerFrame prometheus.Histogram
	transitions   *prometheus.CounterVec
	detections    *prometheus.CounterVec
	alerts        *prometheus.CounterVec
}

// New creates a registry with scrape-time gauges for src.
func New(src Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "facewatch_frame_processing_seconds",
			Help:    "Time spent detecting, embedding and matching one frame",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		facesPerFrame: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "facewatch_faces_per_frame",
			Help:    "Number of face candidates found per frame",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facewatch_stream_transitions_total",
			Help: "Stream status transitions by target status",
		}, []string{"stream_id", "status"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facewatch_detections_total",
			Help: "Detection events emitted",
		}, []string{"stream_id", "matched"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facewatch_alerts_total",
			Help: "Alerts raised after duplicate suppression",
		}, []string{"stream_id"}),
	}

	m.registry.MustRegister(m.frameDuration, m.facesPerFrame, m.transitions, m.detections, m.alerts)
	m.registerPipeline(src.Pipeline)
	if src.Streams != nil {
		m.registry.MustRegister(newStreamCollector(src.Streams))
	}
	if src.Gallery != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "facewatch_gallery_persons",
				Help: "Registered missing persons",
			},
			func() float64 { return float64(src.Gallery()) },
		))
	}
	return m
}

func (m *Metrics) registerPipeline(stats func() pipeline.Stats) {
	if stats == nil {
		return
	}
	gauges := []struct {
		name, help string
		value      func(pipeline.Stats) float64
	}{
		{"facewatch_pipeline_workers", "Current detection worker pool size", func(s pipeline.Stats) float64 { return float64(s.Workers) }},
		{"facewatch_pipeline_busy_workers", "Workers currently processing a frame", func(s pipeline.Stats) float64 { return float64(s.Busy) }},
	}
	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return g.value(stats()) },
		))
	}

	counters := []struct {
		name, help string
		value      func(pipeline.Stats) uint64
	}{
		{"facewatch_frames_processed_total", "Frames taken from stream queues by workers", func(s pipeline.Stats) uint64 { return s.FramesProcessed }},
		{"facewatch_detect_errors_total", "Frames where face detection failed", func(s pipeline.Stats) uint64 { return s.DetectErrors }},
		{"facewatch_low_quality_faces_total", "Face candidates skipped below the quality threshold", func(s pipeline.Stats) uint64 { return s.LowQuality }},
		{"facewatch_embedding_failures_total", "Face candidates whose embedding could not be computed", func(s pipeline.Stats) uint64 { return s.EmbeddingFailures }},
		{"facewatch_sink_errors_total", "Detection events a sink failed to accept", func(s pipeline.Stats) uint64 { return s.SinkErrors }},
	}
	for _, c := range counters {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(c.value(stats())) },
		))
	}
}

// ObserveFrame records one processed frame. Intended for Pipeline.OnFrame.
func (m *Metrics) ObserveFrame(res pipeline.FrameResult) {
	m.frameDuration.Observe(res.Duration.Seconds())
	if res.Err == nil {
		m.facesPerFrame.Observe(float64(res.Faces))
	}
}

// ObserveTransition counts a stream status change.
func (m *Metrics) ObserveTransition(t stream.Transition) {
	m.transitions.WithLabelValues(t.StreamID, string(t.To)).Inc()
}

// Emit makes Metrics a detection sink.
func (m *Metrics) Emit(_ context.Context, e sink.Event) error {
	matched := "false"
	if e.Matched() {
		matched = "true"
	}
	m.detections.WithLabelValues(e.StreamID, matched).Inc()
	if e.Alert {
		m.alerts.WithLabelValues(e.StreamID).Inc()
	}
	return nil
}

// Forget drops the per-stream series of a removed stream.
func (m *Metrics) Forget(streamID string) {
	labels := prometheus.Labels{"stream_id": streamID}
	m.transitions.DeletePartialMatch(labels)
	m.detections.DeletePartialMatch(labels)
	m.alerts.DeletePartialMatch(labels)
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
