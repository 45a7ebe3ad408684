package webmonitor

import (
	"slices"
	"sync"
	"time"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/detect"
	"github.com/dj-oyu/home-monitor/internal/monitor"
)

const detectionHistorySize = 8

// Monitor tracks frame rate and recent detections of the video feed.
type Monitor struct {
	mu               sync.Mutex
	frameCounter     uint64
	lastFrameAt      time.Time
	fps              float64
	latestDetection  *FrameDetections
	detectionHistory []FrameDetections
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Record accounts for one published frame.
func (m *Monitor) Record(frame capture.Frame, dets []detect.Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if !m.lastFrameAt.IsZero() {
		if dt := ts.Sub(m.lastFrameAt).Seconds(); dt > 0 {
			inst := 1 / dt
			if m.fps == 0 {
				m.fps = inst
			} else {
				m.fps = 0.9*m.fps + 0.1*inst
			}
		}
	}
	m.lastFrameAt = ts
	m.frameCounter++

	result := FrameDetections{
		Seq:        frame.Seq,
		Timestamp:  ts.Format(monitor.TimestampLayout),
		Detections: slices.Clone(dets),
	}
	if result.Detections == nil {
		result.Detections = []detect.Detection{}
	}
	m.latestDetection = &result
	if len(dets) > 0 {
		m.detectionHistory = append([]FrameDetections{result}, m.detectionHistory...)
		if len(m.detectionHistory) > detectionHistorySize {
			m.detectionHistory = m.detectionHistory[:detectionHistorySize]
		}
	}
}

// Snapshot returns the stream stats, the latest frame's detections and the
// most recent frames that had detections, newest first.
func (m *Monitor) Snapshot() (StreamStats, *FrameDetections, []FrameDetections) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := StreamStats{
		FramesPublished: m.frameCounter,
		CurrentFPS:      m.fps,
	}
	if !m.lastFrameAt.IsZero() {
		stats.LastFrameAt = m.lastFrameAt.Format(monitor.TimestampLayout)
	}

	var latest *FrameDetections
	if m.latestDetection != nil {
		c := *m.latestDetection
		latest = &c
	}
	history := make([]FrameDetections, len(m.detectionHistory))
	copy(history, m.detectionHistory)
	return stats, latest, history
}
