package webmonitor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/detect"
	"github.com/dj-oyu/home-monitor/internal/logger"
	"github.com/dj-oyu/home-monitor/internal/metrics"
	"github.com/dj-oyu/home-monitor/internal/monitor"
)

// Push event names.
const (
	EventLogUpdate = "log_update"
	EventUpdate    = "update"
	EventStatus    = "status"
)

// FrameBroadcaster manages fanout of JPEG frames to multiple clients.
type FrameBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	latest  []byte
	monitor *Monitor
	metrics *metrics.Metrics
	closed  bool
}

// NewFrameBroadcaster creates a broadcaster for annotated frames.
func NewFrameBroadcaster(mon *Monitor, m *metrics.Metrics) *FrameBroadcaster {
	return &FrameBroadcaster{
		clients: make(map[int]chan []byte),
		monitor: mon,
		metrics: m,
	}
}

// Subscribe adds a new client. The latest frame, if any, is queued immediately.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	if fb.closed {
		close(ch)
		return id, ch
	}
	if fb.latest != nil {
		ch <- fb.latest
	}
	fb.clients[id] = ch
	fb.metrics.StreamClients.Store(int64(len(fb.clients)))

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		fb.metrics.StreamClients.Store(int64(len(fb.clients)))
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

// ClientCount returns the number of connected video clients.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// PublishFrame fans an annotated frame out to every client.
func (fb *FrameBroadcaster) PublishFrame(frame capture.Frame, annotated []byte, dets []detect.Detection) {
	if fb.monitor != nil {
		fb.monitor.Record(frame, dets)
	}
	if len(annotated) == 0 {
		return
	}
	fb.broadcast(annotated)
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	fb.latest = data
	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client
			fb.metrics.PushDropped("video")
		}
	}
}

// Close disconnects every client.
func (fb *FrameBroadcaster) Close() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.closed {
		return
	}
	fb.closed = true
	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
	fb.metrics.StreamClients.Store(0)
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	Name         string
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// Data returns the payload in the requested format.
func (e *SerializedEvent) Data(useProtobuf bool) []byte {
	if useProtobuf {
		return e.ProtobufData
	}
	return e.JSONData
}

// NewSerializedEvent encodes payload as JSON and as a base64 protobuf Struct.
func NewSerializedEvent(name string, payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("JSON marshal %s: %w", name, err)
	}

	// Round-trip through JSON so every payload reaches structpb as plain values.
	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("%s is not a JSON object: %w", name, err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct %s: %w", name, err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal %s: %w", name, err)
	}

	return &SerializedEvent{
		Name:         name,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// UpdateBroadcaster manages fanout of push events to multiple SSE clients.
type UpdateBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	buffer  int
	metrics *metrics.Metrics
	closed  bool
}

// NewUpdateBroadcaster creates a broadcaster with a per-client buffer.
func NewUpdateBroadcaster(buffer int, m *metrics.Metrics) *UpdateBroadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &UpdateBroadcaster{
		clients: make(map[int]chan *SerializedEvent),
		buffer:  buffer,
		metrics: m,
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (ub *UpdateBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	ub.mu.Lock()
	defer ub.mu.Unlock()

	id := ub.nextID
	ub.nextID++
	ch := make(chan *SerializedEvent, ub.buffer)
	if ub.closed {
		close(ch)
		return id, ch
	}
	ub.clients[id] = ch
	ub.metrics.UpdateClients.Store(int64(len(ub.clients)))

	logger.Debug("UpdateBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(ub.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (ub *UpdateBroadcaster) Unsubscribe(id int) {
	ub.mu.Lock()
	defer ub.mu.Unlock()

	if ch, ok := ub.clients[id]; ok {
		close(ch)
		delete(ub.clients, id)
		ub.metrics.UpdateClients.Store(int64(len(ub.clients)))
		logger.Debug("UpdateBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(ub.clients))
	}
}

// ClientCount returns the number of connected update clients.
func (ub *UpdateBroadcaster) ClientCount() int {
	ub.mu.Lock()
	defer ub.mu.Unlock()
	return len(ub.clients)
}

// Publish serializes payload once and fans it out.
func (ub *UpdateBroadcaster) Publish(name string, payload any) error {
	event, err := NewSerializedEvent(name, payload)
	if err != nil {
		return err
	}
	ub.broadcast(event)
	return nil
}

// PublishWindow pushes the log_update and update messages for a flushed window.
func (ub *UpdateBroadcaster) PublishWindow(report monitor.WindowReport) {
	if err := ub.Publish(EventLogUpdate, report.LogUpdate()); err != nil {
		logger.Error("UpdateBroadcaster", "Publish %s: %v", EventLogUpdate, err)
	}
	if err := ub.Publish(EventUpdate, report.Update()); err != nil {
		logger.Error("UpdateBroadcaster", "Publish %s: %v", EventUpdate, err)
	}
}

func (ub *UpdateBroadcaster) broadcast(event *SerializedEvent) {
	ub.mu.Lock()
	defer ub.mu.Unlock()

	for _, ch := range ub.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
			ub.metrics.PushDropped("sse")
		}
	}
}

// Close disconnects every client.
func (ub *UpdateBroadcaster) Close() {
	ub.mu.Lock()
	defer ub.mu.Unlock()
	if ub.closed {
		return
	}
	ub.closed = true
	for id, ch := range ub.clients {
		close(ch)
		delete(ub.clients, id)
	}
	ub.metrics.UpdateClients.Store(0)
}
