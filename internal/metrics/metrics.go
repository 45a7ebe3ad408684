package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Summarizer outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeEmpty       = "empty"
	OutcomeError       = "error"
	OutcomeCircuitOpen = "circuit_open"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame processing counters
	FramesCaptured  atomic.Uint64
	FramesProcessed atomic.Uint64
	CaptureErrors   atomic.Uint64
	DetectorErrors  atomic.Uint64

	// Event log state
	EventLogLength atomic.Uint64
	IntervalSecs   atomic.Uint64

	// Streaming clients
	StreamClients atomic.Int64
	UpdateClients atomic.Int64
	WebRTCClients atomic.Int64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64

	detections        *prometheus.CounterVec
	flushes           prometheus.Counter
	emptyFlushes      prometheus.Counter
	queries           *prometheus.CounterVec
	summaries         *prometheus.CounterVec
	summaryLatency    prometheus.Histogram
	pushDropped       *prometheus.CounterVec
	sinkDeliveries    *prometheus.CounterVec
	detectLatency     prometheus.Histogram
	digestRuns        *prometheus.CounterVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(collectors.NewGoCollector())

	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"homemonitor_frames_captured_total", "Total frames read from the camera", func() float64 { return float64(m.FramesCaptured.Load()) }},
		{"homemonitor_frames_processed_total", "Total frames run through detection", func() float64 { return float64(m.FramesProcessed.Load()) }},
		{"homemonitor_capture_errors_total", "Total frame source errors", func() float64 { return float64(m.CaptureErrors.Load()) }},
		{"homemonitor_detector_errors_total", "Total detector errors", func() float64 { return float64(m.DetectorErrors.Load()) }},
		{"homemonitor_event_log_length", "Events currently held in the event log", func() float64 { return float64(m.EventLogLength.Load()) }},
		{"homemonitor_sampling_interval_seconds", "Configured sampling interval", func() float64 { return float64(m.IntervalSecs.Load()) }},
		{"homemonitor_stream_clients", "Connected MJPEG clients", func() float64 { return float64(m.StreamClients.Load()) }},
		{"homemonitor_update_clients", "Connected update stream clients", func() float64 { return float64(m.UpdateClients.Load()) }},
		{"homemonitor_webrtc_clients", "Connected WebRTC data channel clients", func() float64 { return float64(m.WebRTCClients.Load()) }},
		{"homemonitor_recording_active", "Recording active (0=inactive, 1=active)", func() float64 { return float64(m.RecordingActive.Load()) }},
		{"homemonitor_recording_bytes", "Bytes written to the current recording", func() float64 { return float64(m.RecordingBytes.Load()) }},
	}
	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: g.name, Help: g.help}, g.fn))
	}

	m.detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homemonitor_detections_total",
		Help: "Detections by label since process start.",
	}, []string{"label"})
	m.flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "homemonitor_window_flushes_total",
		Help: "Sampling windows closed into events.",
	})
	m.emptyFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "homemonitor_window_empty_flushes_total",
		Help: "Sampling windows closed with no labels.",
	})
	m.queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homemonitor_queries_total",
		Help: "Event queries by parse result.",
	}, []string{"result"})
	m.summaries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homemonitor_summaries_total",
		Help: "Summarization requests by outcome.",
	}, []string{"outcome"})
	m.summaryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "homemonitor_summary_duration_seconds",
		Help:    "Latency of summarization backend calls.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	})
	m.pushDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homemonitor_push_dropped_total",
		Help: "Push messages dropped for slow receivers.",
	}, []string{"channel"})
	m.sinkDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homemonitor_sink_deliveries_total",
		Help: "Event sink deliveries by sink and outcome.",
	}, []string{"sink", "outcome"})
	m.detectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "homemonitor_detect_duration_seconds",
		Help:    "Per-frame detector latency.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	m.digestRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homemonitor_digest_runs_total",
		Help: "Scheduled digest runs by outcome.",
	}, []string{"outcome"})

	m.registry.MustRegister(
		m.detections, m.flushes, m.emptyFlushes, m.queries, m.summaries,
		m.summaryLatency, m.pushDropped, m.sinkDeliveries, m.detectLatency, m.digestRuns,
	)
}

// ObserveDetections counts one detection per label occurrence.
func (m *Metrics) ObserveDetections(labels []string) {
	for _, l := range labels {
		m.detections.WithLabelValues(l).Inc()
	}
}

// ObserveDetectLatency records how long a single Detect call took.
func (m *Metrics) ObserveDetectLatency(d time.Duration) {
	m.detectLatency.Observe(d.Seconds())
}

// WindowFlushed records a closed sampling window.
func (m *Metrics) WindowFlushed(labelCount int) {
	m.flushes.Inc()
	if labelCount == 0 {
		m.emptyFlushes.Inc()
	}
}

// QueryParsed records whether a query string resolved to a time range.
func (m *Metrics) QueryParsed(ok bool) {
	if ok {
		m.queries.WithLabelValues("parsed").Inc()
		return
	}
	m.queries.WithLabelValues("unparseable").Inc()
}

// SummaryCompleted records a summarizer outcome and, for backend calls, its latency.
func (m *Metrics) SummaryCompleted(outcome string, d time.Duration) {
	m.summaries.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeError {
		m.summaryLatency.Observe(d.Seconds())
	}
}

// PushDropped records a message not delivered to a slow receiver.
func (m *Metrics) PushDropped(channel string) {
	m.pushDropped.WithLabelValues(channel).Inc()
}

// SinkDelivered records one sink delivery attempt.
func (m *Metrics) SinkDelivered(sink string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.sinkDeliveries.WithLabelValues(sink, outcome).Inc()
}

// DigestRan records a scheduled digest run.
func (m *Metrics) DigestRan(err error) {
	if err != nil {
		m.digestRuns.WithLabelValues(OutcomeError).Inc()
		return
	}
	m.digestRuns.WithLabelValues(OutcomeSuccess).Inc()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
