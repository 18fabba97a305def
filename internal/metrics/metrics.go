package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Source metrics
	ActiveStreams  prometheus.Gauge
	StreamsStarted prometheus.Counter
	StreamsStopped prometheus.Counter
	StreamDuration prometheus.Histogram

	// Sample metrics
	SamplesReceived *prometheus.CounterVec
	SamplesDropped  *prometheus.CounterVec
	SampleSize      *prometheus.HistogramVec
	KeyFrames       prometheus.Counter

	// Output metrics
	ActiveOutputs *prometheus.GaugeVec
	OutputBytes   *prometheus.CounterVec
	OutputErrors  *prometheus.CounterVec
	TSPackets     prometheus.Counter

	// Segment metrics
	SegmentsCreated prometheus.Counter
	SegmentDuration prometheus.Histogram
	SegmentSize     prometheus.Histogram
	SegmentsStored  prometheus.Gauge

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// RTMP ingest metrics
	RTMPConnections   prometheus.Counter
	RTMPDisconnects   prometheus.Counter
	RTMPErrors        prometheus.Counter
	RTMPBytesReceived prometheus.Counter
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on /metrics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Source metrics
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rapidmux_active_streams",
			Help: "Number of currently live sources",
		}),
		StreamsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidmux_streams_started_total",
			Help: "Total number of sources started",
		}),
		StreamsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidmux_streams_stopped_total",
			Help: "Total number of sources stopped",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapidmux_stream_duration_seconds",
			Help:    "Duration of sources in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),

		// Sample metrics
		SamplesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidmux_samples_received_total",
				Help: "Total number of encoded samples received",
			},
			[]string{"stream_key", "kind"}, // kind: video or audio
		),
		SamplesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidmux_samples_dropped_total",
				Help: "Total number of samples dropped",
			},
			[]string{"stream_key", "reason"},
		),
		SampleSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rapidmux_sample_size_bytes",
				Help:    "Size of encoded samples in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B to ~512KB
			},
			[]string{"kind"},
		),
		KeyFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidmux_keyframes_total",
			Help: "Total number of video keyframes received",
		}),

		// Output metrics
		ActiveOutputs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rapidmux_active_outputs",
				Help: "Number of running output sessions",
			},
			[]string{"kind"}, // rtmp or srt
		),
		OutputBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidmux_output_bytes_total",
				Help: "Total bytes written by output sessions",
			},
			[]string{"kind"},
		),
		OutputErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidmux_output_errors_total",
				Help: "Total number of output session failures",
			},
			[]string{"kind"},
		),
		TSPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidmux_ts_packets_total",
			Help: "Total number of 188-byte transport stream packets written",
		}),

		// Segment metrics
		SegmentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidmux_segments_created_total",
			Help: "Total number of TS segments created",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapidmux_segment_duration_seconds",
			Help:    "Duration of TS segments",
			Buckets: []float64{1, 2, 3, 4, 5, 10},
		}),
		SegmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rapidmux_segment_size_bytes",
			Help:    "Size of TS segments in bytes",
			Buckets: prometheus.ExponentialBuckets(10240, 2, 10), // 10KB to ~5MB
		}),
		SegmentsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rapidmux_segments_stored",
			Help: "Number of segments currently stored",
		}),

		// HTTP metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rapidmux_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rapidmux_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// RTMP ingest metrics
		RTMPConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidmux_rtmp_connections_total",
			Help: "Total number of RTMP ingest connections",
		}),
		RTMPDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidmux_rtmp_disconnects_total",
			Help: "Total number of RTMP ingest disconnections",
		}),
		RTMPErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidmux_rtmp_errors_total",
			Help: "Total number of malformed RTMP ingest messages",
		}),
		RTMPBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "rapidmux_rtmp_bytes_received_total",
			Help: "Total media bytes received via RTMP ingest",
		}),
	}

	return m
}

// RecordStreamStart records a source going live
func (m *Metrics) RecordStreamStart() {
	m.ActiveStreams.Inc()
	m.StreamsStarted.Inc()
}

// RecordStreamStop records a source stopping
func (m *Metrics) RecordStreamStop(durationSeconds float64) {
	m.ActiveStreams.Dec()
	m.StreamsStopped.Inc()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordSample records a sample received
func (m *Metrics) RecordSample(streamKey, kind string, size int, keyFrame bool) {
	m.SamplesReceived.WithLabelValues(streamKey, kind).Inc()
	m.SampleSize.WithLabelValues(kind).Observe(float64(size))
	if keyFrame {
		m.KeyFrames.Inc()
	}
}

// RecordSampleDropped records a dropped sample
func (m *Metrics) RecordSampleDropped(streamKey, reason string) {
	m.SamplesDropped.WithLabelValues(streamKey, reason).Inc()
}

// RecordOutputStart records an output session starting
func (m *Metrics) RecordOutputStart(kind string) {
	m.ActiveOutputs.WithLabelValues(kind).Inc()
}

// RecordOutputStop records an output session ending, failed or not
func (m *Metrics) RecordOutputStop(kind string, failed bool) {
	m.ActiveOutputs.WithLabelValues(kind).Dec()
	if failed {
		m.OutputErrors.WithLabelValues(kind).Inc()
	}
}

// RecordOutputBytes records bytes written by an output
func (m *Metrics) RecordOutputBytes(kind string, n int) {
	m.OutputBytes.WithLabelValues(kind).Add(float64(n))
}

// RecordTSPackets records transport stream packets written
func (m *Metrics) RecordTSPackets(n int) {
	m.TSPackets.Add(float64(n))
}

// RecordSegment records a segment created
func (m *Metrics) RecordSegment(durationSeconds float64, sizeBytes int64) {
	m.SegmentsCreated.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSize.Observe(float64(sizeBytes))
	m.SegmentsStored.Inc()
}

// RecordSegmentDeleted records a segment deleted
func (m *Metrics) RecordSegmentDeleted() {
	m.SegmentsStored.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordRTMPConnection records an RTMP connection
func (m *Metrics) RecordRTMPConnection() {
	m.RTMPConnections.Inc()
}

// RecordRTMPDisconnect records an RTMP disconnection
func (m *Metrics) RecordRTMPDisconnect() {
	m.RTMPDisconnects.Inc()
}

// RecordRTMPError records an RTMP error
func (m *Metrics) RecordRTMPError() {
	m.RTMPErrors.Inc()
}

// RecordRTMPBytes records bytes received via RTMP
func (m *Metrics) RecordRTMPBytes(bytes int) {
	m.RTMPBytesReceived.Add(float64(bytes))
}

// statusClass converts an HTTP status code to its class label
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
