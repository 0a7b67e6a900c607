package webmonitor

import (
	"sync"
	"time"

	"github.com/dj-oyu/cloud-monitor/internal/api"
)

const historySize = 8

// Monitor tracks the latest live detection and a short history of results
// that contained clouds.
type Monitor struct {
	targetFPS float64

	mu               sync.Mutex
	frameCounter     int
	detectionVersion int
	detectionHistory []DetectionResult
	latestDetection  *DetectionResult
}

// NewMonitor creates a Monitor for a session running at targetFPS.
func NewMonitor(targetFPS float64) *Monitor {
	return &Monitor{targetFPS: targetFPS}
}

// Snapshot returns the stats, the latest result and a copy of the history.
func (m *Monitor) Snapshot() (MonitorStats, *DetectionResult, []DetectionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitorStats{
		FramesProcessed: m.frameCounter,
		TargetFPS:       m.targetFPS,
	}
	var latest *DetectionResult
	if m.latestDetection != nil {
		stats.DetectionCount = m.latestDetection.NumDetections
		latest = m.latestDetection.clone()
	}

	history := make([]DetectionResult, len(m.detectionHistory))
	copy(history, m.detectionHistory)
	return stats, latest, history
}

// Latest returns the most recent result, or nil.
func (m *Monitor) Latest() *DetectionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestDetection == nil {
		return nil
	}
	return m.latestDetection.clone()
}

// UpdateDetection stores a new upload result and returns it versioned.
func (m *Monitor) UpdateDetection(res *api.DetectionResult, sessionID string, at time.Time) DetectionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.frameCounter++
	m.detectionVersion++
	result := DetectionResult{
		FrameNumber: m.frameCounter,
		Timestamp:   float64(at.UnixMilli()) / 1000,
		SessionID:   sessionID,
		Filename:    res.Filename,
		ImageWidth:  res.Detection.ImageDimensions.Width,
		ImageHeight: res.Detection.ImageDimensions.Height,
		Version:     m.detectionVersion,
		Detections:  detectionsFromAPI(res.Detection.Predictions),
	}
	result.NumDetections = len(result.Detections)
	m.latestDetection = &result

	if result.NumDetections > 0 {
		m.detectionHistory = append([]DetectionResult{result}, m.detectionHistory...)
		if len(m.detectionHistory) > historySize {
			m.detectionHistory = m.detectionHistory[:historySize]
		}
	}
	return result
}

// Reset drops the latest result so a new session starts without stale boxes.
// History is kept.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.latestDetection = nil
	m.mu.Unlock()
}
