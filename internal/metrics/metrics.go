package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture loop counters
	FramesCaptured atomic.Uint64
	FramesUploaded atomic.Uint64
	FramesSkipped  atomic.Uint64 // empty encode results
	UploadErrors   atomic.Uint64
	Countdowns     atomic.Uint64

	// Camera and session state
	ActiveTracks    atomic.Uint64
	StreamingActive atomic.Uint64 // 0 = idle, 1 = streaming
	LastDetections  atomic.Uint64

	// Latency tracking
	UploadLatencyMs atomic.Uint64

	// Backend API
	APIRequests atomic.Uint64
	APIErrors   atomic.Uint64
	CacheHits   atomic.Uint64
	CacheMisses atomic.Uint64
	HealthFails atomic.Uint64

	// Live view clients
	MJPEGClients atomic.Uint64
	EventClients atomic.Uint64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

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

type gauge struct {
	name string
	help string
	v    *atomic.Uint64
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []gauge{
		{"cloudmon_frames_captured_total", "Total frames snapshotted from the camera", &m.FramesCaptured},
		{"cloudmon_frames_uploaded_total", "Total frames accepted by the detection backend", &m.FramesUploaded},
		{"cloudmon_frames_skipped_total", "Total frames skipped because encoding produced no data", &m.FramesSkipped},
		{"cloudmon_upload_errors_total", "Total failed frame uploads", &m.UploadErrors},
		{"cloudmon_countdowns_total", "Total capture countdowns run", &m.Countdowns},
		{"cloudmon_camera_active_tracks", "Camera tracks currently held open", &m.ActiveTracks},
		{"cloudmon_streaming_active", "Live capture active (0=idle, 1=streaming)", &m.StreamingActive},
		{"cloudmon_last_detections", "Number of clouds in the latest live result", &m.LastDetections},
		{"cloudmon_upload_latency_ms", "Latency of the latest frame upload in milliseconds", &m.UploadLatencyMs},
		{"cloudmon_api_requests_total", "Total backend API requests", &m.APIRequests},
		{"cloudmon_api_errors_total", "Total backend API errors", &m.APIErrors},
		{"cloudmon_weather_cache_hits_total", "Weather cache hits", &m.CacheHits},
		{"cloudmon_weather_cache_misses_total", "Weather cache misses", &m.CacheMisses},
		{"cloudmon_health_failures_total", "Health checks reporting an unhealthy backend", &m.HealthFails},
		{"cloudmon_mjpeg_clients", "Connected MJPEG clients", &m.MJPEGClients},
		{"cloudmon_event_clients", "Connected SSE and websocket clients", &m.EventClients},
		{"cloudmon_recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive},
		{"cloudmon_recording_bytes", "Total bytes written to recording", &m.RecordingBytes},
		{"cloudmon_recording_frames", "Total frames written to recording", &m.RecordingFrames},
	}

	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// UpdateUploadLatency records how long the latest upload took.
func (m *Metrics) UpdateUploadLatency(d time.Duration) {
	m.UploadLatencyMs.Store(uint64(d.Milliseconds()))
}

// SetStreaming flips the streaming gauge.
func (m *Metrics) SetStreaming(active bool) {
	m.StreamingActive.Store(boolToUint(active))
}

// SetRecording flips the recording gauge.
func (m *Metrics) SetRecording(active bool) {
	m.RecordingActive.Store(boolToUint(active))
}

// ClientConnected and ClientDisconnected track a gauge of live clients.
func ClientConnected(g *atomic.Uint64) {
	g.Add(1)
}

func ClientDisconnected(g *atomic.Uint64) {
	for {
		cur := g.Load()
		if cur == 0 || g.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func boolToUint(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
