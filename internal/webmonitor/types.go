package webmonitor

import (
	"github.com/dj-oyu/home-monitor/internal/detect"
	"github.com/dj-oyu/home-monitor/internal/monitor"
	"github.com/dj-oyu/home-monitor/internal/recorder"
	"github.com/dj-oyu/home-monitor/internal/sinks"
)

// QueryRequest is the body of POST /query_events.
type QueryRequest struct {
	Query string `json:"query"`
}

// QueryResponse is always returned with status 200.
type QueryResponse struct {
	Summary string `json:"summary"`
}

// StreamStats describes the annotated video feed.
type StreamStats struct {
	FramesPublished uint64  `json:"frames_published"`
	CurrentFPS      float64 `json:"current_fps"`
	Clients         int     `json:"clients"`
	LastFrameAt     string  `json:"last_frame_at,omitempty"`
}

// FrameDetections is the detection result of one published frame.
type FrameDetections struct {
	Seq        uint64             `json:"seq"`
	Timestamp  string             `json:"timestamp"`
	Detections []detect.Detection `json:"detections"`
}

// StatusResponse is the payload of GET /api/status and the "status" push event.
type StatusResponse struct {
	IntervalSeconds   int                          `json:"interval_seconds"`
	WindowStart       string                       `json:"window_start"`
	CurrentLabels     []string                     `json:"current_labels"`
	TotalCounts       map[string]int               `json:"total_object_counts"`
	EventLogSize      int                          `json:"event_log_size"`
	EventLogCapacity  int                          `json:"event_log_capacity"`
	Loop              *monitor.LoopStats           `json:"loop,omitempty"`
	Stream            StreamStats                  `json:"stream"`
	LatestDetection   *FrameDetections             `json:"latest_detection"`
	History           []FrameDetections            `json:"detection_history"`
	UpdateClients     int                          `json:"update_clients"`
	WebRTCClients     int                          `json:"webrtc_clients"`
	WebRTCClientStats map[string]map[string]uint64 `json:"webrtc_client_stats,omitempty"`
	Sinks             *sinks.BusStats              `json:"sinks,omitempty"`
	Recording         *recorder.RecordingStatus    `json:"recording,omitempty"`
	Timestamp         float64                      `json:"timestamp"`
}

// EventsResponse is the payload of GET /api/events.
type EventsResponse struct {
	Start  string          `json:"start"`
	End    string          `json:"end"`
	Count  int             `json:"count"`
	Events []monitor.Event `json:"events"`
}
