package monitor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/home-monitor/internal/detect"
)

// ErrInvalidInterval is returned for a non-positive sampling interval.
var ErrInvalidInterval = errors.New("monitor: interval must be a positive number of seconds")

// Aggregator accumulates detections for the current window and running
// totals since start-up. The interval, window start and current labels are
// guarded by a single mutex so an interval change is never observed half-applied.
type Aggregator struct {
	mu              sync.Mutex
	intervalSeconds int
	windowStart     time.Time
	current         map[string]struct{}
	windowCounts    map[string]int
	totals          map[string]int
	clock           func() time.Time
}

// NewAggregator starts the first window at clock().
func NewAggregator(intervalSeconds int, clock func() time.Time) (*Aggregator, error) {
	if intervalSeconds <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInterval, intervalSeconds)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{
		intervalSeconds: intervalSeconds,
		windowStart:     clock(),
		current:         make(map[string]struct{}),
		windowCounts:    make(map[string]int),
		totals:          make(map[string]int),
		clock:           clock,
	}, nil
}

// Record adds each detection's label to the current window and counts every
// occurrence, duplicates included.
func (a *Aggregator) Record(dets []detect.Detection) {
	if len(dets) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range dets {
		a.current[d.Label] = struct{}{}
		a.windowCounts[d.Label]++
		a.totals[d.Label]++
	}
}

// ShouldFlush reports whether the window opened at least one interval before now.
func (a *Aggregator) ShouldFlush(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dueLocked(now)
}

func (a *Aggregator) dueLocked(now time.Time) bool {
	return now.Sub(a.windowStart) >= time.Duration(a.intervalSeconds)*time.Second
}

// Flush closes the current window into an Event and opens a new one at now.
// An empty window still yields an Event with no labels.
func (a *Aggregator) Flush(now time.Time) Event {
	return a.FlushWindow(now).Event
}

// FlushWindow is Flush plus the window counts, totals and interval in effect.
func (a *Aggregator) FlushWindow(now time.Time) WindowReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(now)
}

// FlushIfDue flushes only when the window has elapsed, in one critical section.
func (a *Aggregator) FlushIfDue(now time.Time) (WindowReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.dueLocked(now) {
		return WindowReport{}, false
	}
	return a.flushLocked(now), true
}

func (a *Aggregator) flushLocked(now time.Time) WindowReport {
	labels := make([]string, 0, len(a.current))
	for l := range a.current {
		labels = append(labels, l)
	}
	report := WindowReport{
		Event:           NewEvent(uuid.NewString(), now, labels),
		WindowCounts:    copyCounts(a.windowCounts),
		Totals:          copyCounts(a.totals),
		IntervalSeconds: a.intervalSeconds,
	}
	a.resetWindowLocked(now)
	return report
}

func (a *Aggregator) resetWindowLocked(now time.Time) {
	clear(a.current)
	clear(a.windowCounts)
	a.windowStart = now
}

// SetInterval changes the sampling interval, restarts the window clock and
// discards the in-progress window. Totals are kept.
func (a *Aggregator) SetInterval(seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, seconds)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.intervalSeconds = seconds
	a.resetWindowLocked(a.clock())
	return nil
}

// Interval returns the sampling interval.
func (a *Aggregator) Interval() time.Duration {
	return time.Duration(a.IntervalSeconds()) * time.Second
}

// IntervalSeconds returns the sampling interval in whole seconds.
func (a *Aggregator) IntervalSeconds() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.intervalSeconds
}

// WindowStart returns when the current window opened.
func (a *Aggregator) WindowStart() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowStart
}

// Totals returns a copy of the per-label counts since start-up.
func (a *Aggregator) Totals() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyCounts(a.totals)
}

// CurrentLabels returns the distinct labels of the open window, sorted.
func (a *Aggregator) CurrentLabels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.current))
	for l := range a.current {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
