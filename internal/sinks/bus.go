// Package sinks delivers closed sampling windows to external systems:
// Redis analytics counters, a Postgres archive, an MQTT broker and a webhook.
package sinks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/home-monitor/internal/logger"
	"github.com/dj-oyu/home-monitor/internal/metrics"
	"github.com/dj-oyu/home-monitor/internal/monitor"
)

// ErrSkipped is returned by a sink that chose not to deliver a window.
// It is not counted as a failure.
var ErrSkipped = errors.New("sinks: window skipped")

// Sink receives closed windows from the bus dispatcher.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// Message is the wire form of one closed window.
type Message struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	Labels          []string       `json:"labels"`
	WindowCounts    map[string]int `json:"window_counts"`
	TotalCounts     map[string]int `json:"total_counts"`
	IntervalSeconds int            `json:"interval_seconds"`
	LogEntry        string         `json:"log_entry"`
}

// NewMessage converts a window report.
func NewMessage(r monitor.WindowReport) Message {
	return Message{
		ID:              r.Event.ID,
		Timestamp:       r.Event.Timestamp,
		Labels:          r.Event.Labels,
		WindowCounts:    r.WindowCounts,
		TotalCounts:     r.Totals,
		IntervalSeconds: r.IntervalSeconds,
		LogEntry:        r.LogLine(),
	}
}

// Event returns the archived form of the message.
func (m Message) Event() monitor.Event {
	return monitor.NewEvent(m.ID, m.Timestamp, m.Labels)
}

// Bus queues windows for the sinks. Publishing never blocks the capture
// loop; when the queue is full the window is dropped and counted.
type Bus struct {
	queue   chan Message
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64

	wg sync.WaitGroup
}

// BusStats reports bus activity.
type BusStats struct {
	Sinks     []string `json:"sinks"`
	Queued    int      `json:"queued"`
	Dropped   uint64   `json:"dropped"`
	Delivered uint64   `json:"delivered"`
	Failed    uint64   `json:"failed"`
}

// NewBus creates a bus with a queue of size and a per-delivery timeout.
// Call Start to begin dispatching.
func NewBus(size int, timeout time.Duration, m *metrics.Metrics, sinks ...Sink) *Bus {
	if size <= 0 {
		size = 100
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Bus{
		queue:   make(chan Message, size),
		sinks:   sinks,
		timeout: timeout,
		metrics: m,
	}
}

// Len returns the number of configured sinks.
func (b *Bus) Len() int {
	return len(b.sinks)
}

// Start launches the dispatcher goroutine.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.dispatch()
}

// PublishWindow implements monitor.WindowSink.
func (b *Bus) PublishWindow(report monitor.WindowReport) {
	b.Emit(NewMessage(report))
}

// Emit queues msg, reporting false if it was dropped.
func (b *Bus) Emit(msg Message) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- msg:
		return true
	default:
		b.dropped.Add(1)
		b.metrics.PushDropped("sinks")
		logger.Warn("Sinks", "Queue full, dropping window %s", msg.ID)
		return false
	}
}

// Close stops accepting windows, drains the queue and waits for the dispatcher.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() BusStats {
	names := make([]string, 0, len(b.sinks))
	for _, s := range b.sinks {
		names = append(names, s.Name())
	}
	return BusStats{
		Sinks:     names,
		Queued:    len(b.queue),
		Dropped:   b.dropped.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for msg := range b.queue {
		for _, s := range b.sinks {
			b.deliver(s, msg)
		}
	}
}

func (b *Bus) deliver(s Sink, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	err := s.Deliver(ctx, msg)
	if errors.Is(err, ErrSkipped) {
		logger.Debug("Sinks", "%s skipped window %s", s.Name(), msg.ID)
		return
	}
	b.metrics.SinkDelivered(s.Name(), err)
	if err != nil {
		b.failed.Add(1)
		logger.Warn("Sinks", "%s delivery of window %s failed: %v", s.Name(), msg.ID, err)
		return
	}
	b.delivered.Add(1)
}
