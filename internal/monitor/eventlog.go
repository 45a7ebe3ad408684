package monitor

import (
	"slices"
	"sync"
	"time"
)

// DefaultLogCapacity is the number of events kept when no capacity is configured.
const DefaultLogCapacity = 1000

// EventLog is a fixed-capacity ring buffer of events in append order.
// Appending at capacity silently evicts the oldest event.
type EventLog struct {
	mu    sync.RWMutex
	buf   []Event
	head  int // index of the oldest event
	count int
}

// NewEventLog creates a log holding at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &EventLog{buf: make([]Event, capacity)}
}

// Append stores e at the tail.
func (l *EventLog) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(e)
}

func (l *EventLog) appendLocked(e Event) {
	e.Labels = slices.Clone(e.Labels)
	if l.count < len(l.buf) {
		l.buf[(l.head+l.count)%len(l.buf)] = e
		l.count++
		return
	}
	l.buf[l.head] = e
	l.head = (l.head + 1) % len(l.buf)
}

// Query returns the events with start <= timestamp <= end in stored order.
func (l *EventLog) Query(start, end time.Time) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for i := range l.count {
		e := l.buf[(l.head+i)%len(l.buf)]
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	return out
}

// Snapshot returns every stored event, oldest first.
func (l *EventLog) Snapshot() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0, l.count)
	for i := range l.count {
		out = append(out, cloneEvent(l.buf[(l.head+i)%len(l.buf)]))
	}
	return out
}

// Restore replaces the contents with events, keeping the newest Cap() of them.
func (l *EventLog) Restore(events []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.buf)
	l.head, l.count = 0, 0
	if len(events) > len(l.buf) {
		events = events[len(events)-len(l.buf):]
	}
	for _, e := range events {
		l.appendLocked(e)
	}
}

// Len returns the number of stored events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Cap returns the capacity.
func (l *EventLog) Cap() int {
	return len(l.buf)
}

func cloneEvent(e Event) Event {
	e.Labels = slices.Clone(e.Labels)
	return e
}
