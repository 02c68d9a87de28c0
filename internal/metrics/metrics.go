// Package metrics provides the Prometheus metrics of the processing pipeline.
//
// All methods are safe on a nil *Metrics, so components can run without a registry.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains every pipeline counter and histogram
type Metrics struct {
	FramesProcessed prometheus.Counter
	FrameErrors     prometheus.Counter
	Detections      *prometheus.CounterVec
	TrackEvents     *prometheus.CounterVec
	Videos          *prometheus.CounterVec
	VideoDuration   prometheus.Histogram
	Embeddings      *prometheus.CounterVec
	Enrichments     *prometheus.CounterVec
	VLMLatency      prometheus.Histogram
	Published       *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them on registry
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.FramesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigil_frames_processed_total",
		Help: "Total number of sampled frames sent to the detector",
	})

	m.FrameErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vigil_frame_errors_total",
		Help: "Total number of frames skipped because detection failed",
	})

	m.Detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_detections_total",
		Help: "Total number of persisted detections by object class",
	}, []string{"class"})

	m.TrackEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_track_events_total",
		Help: "Total number of synthesized track events by type",
	}, []string{"event_type"})

	m.Videos = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_videos_total",
		Help: "Total number of videos by final outcome",
	}, []string{"outcome"})

	m.VideoDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vigil_video_processing_seconds",
		Help:    "Wall time spent processing one video",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	m.Embeddings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_embeddings_total",
		Help: "Total number of embedding operations by record kind and result",
	}, []string{"kind", "result"})

	m.Enrichments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_enrichments_total",
		Help: "Total number of track enrichment attempts by result",
	}, []string{"result"})

	m.VLMLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vigil_vlm_request_seconds",
		Help:    "Latency of vision model requests",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
	})

	m.Published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_events_published_total",
		Help: "Total number of track events published to the message bus by result",
	}, []string{"result"})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesProcessed, m.FrameErrors, m.Detections, m.TrackEvents, m.Videos,
		m.VideoDuration, m.Embeddings, m.Enrichments, m.VLMLatency, m.Published,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordFrame counts one processed frame, and one frame error when err is set
func (m *Metrics) RecordFrame(err error) {
	if m == nil {
		return
	}
	m.FramesProcessed.Inc()
	if err != nil {
		m.FrameErrors.Inc()
	}
}

// RecordDetection counts one persisted detection
func (m *Metrics) RecordDetection(class string) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(class).Inc()
}

// RecordTrackEvent counts one persisted track event
func (m *Metrics) RecordTrackEvent(eventType string) {
	if m == nil {
		return
	}
	m.TrackEvents.WithLabelValues(eventType).Inc()
}

// RecordVideo counts a finished video and how long it took
func (m *Metrics) RecordVideo(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Videos.WithLabelValues(outcome).Inc()
	m.VideoDuration.Observe(took.Seconds())
}

// RecordEmbedding counts one embedding operation
func (m *Metrics) RecordEmbedding(kind string, err error) {
	if m == nil {
		return
	}
	m.Embeddings.WithLabelValues(kind, result(err)).Inc()
}

// RecordEnrichment counts one track enrichment attempt
func (m *Metrics) RecordEnrichment(err error) {
	if m == nil {
		return
	}
	m.Enrichments.WithLabelValues(result(err)).Inc()
}

// ObserveVLM records the latency of one vision model call
func (m *Metrics) ObserveVLM(took time.Duration) {
	if m == nil {
		return
	}
	m.VLMLatency.Observe(took.Seconds())
}

// RecordPublish counts one publish attempt
func (m *Metrics) RecordPublish(err error) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(result(err)).Inc()
}
