package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/detect"
	"github.com/dj-oyu/home-monitor/internal/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func dets(labels ...string) []detect.Detection {
	out := make([]detect.Detection, 0, len(labels))
	for _, l := range labels {
		out = append(out, detect.Detection{Label: l, Confidence: 0.9})
	}
	return out
}

func newAgg(t *testing.T, interval int, clock *fakeClock) *Aggregator {
	t.Helper()
	a, err := NewAggregator(interval, clock.Now)
	require.NoError(t, err)
	return a
}

func TestRecordTracksDistinctLabelsAndEveryOccurrence(t *testing.T) {
	a := newAgg(t, 10, newFakeClock())

	a.Record(dets("person", "person", "dog"))
	a.Record(dets("dog"))
	a.Record(nil)

	assert.Equal(t, []string{"dog", "person"}, a.CurrentLabels())
	assert.Equal(t, map[string]int{"person": 2, "dog": 2}, a.Totals())
}

func TestFlushClearsWindowButKeepsTotals(t *testing.T) {
	clock := newFakeClock()
	a := newAgg(t, 10, clock)
	a.Record(dets("cat", "person", "cat"))

	clock.Advance(10*time.Second + 300*time.Millisecond)
	now := clock.Now()
	report := a.FlushWindow(now)

	assert.Equal(t, []string{"cat", "person"}, report.Event.Labels)
	assert.Equal(t, now.Truncate(time.Second), report.Event.Timestamp)
	assert.NotEmpty(t, report.Event.ID)
	assert.Equal(t, map[string]int{"cat": 2, "person": 1}, report.WindowCounts)
	assert.Equal(t, map[string]int{"cat": 1, "person": 1}, report.Update().ObjectCounts)
	assert.Equal(t, 10, report.IntervalSeconds)

	assert.Empty(t, a.CurrentLabels())
	assert.Equal(t, now, a.WindowStart())
	assert.Equal(t, map[string]int{"cat": 2, "person": 1}, a.Totals())

	a.Record(dets("cat"))
	assert.Equal(t, 3, a.Totals()["cat"], "totals never reset by a flush")
}

func TestEmptyWindowStillProducesEvent(t *testing.T) {
	clock := newFakeClock()
	a := newAgg(t, 1, clock)
	clock.Advance(time.Second)

	e := a.Flush(clock.Now())
	assert.NotNil(t, e.Labels)
	assert.Empty(t, e.Labels)
}

func TestShouldFlushAtIntervalBoundary(t *testing.T) {
	clock := newFakeClock()
	a := newAgg(t, 5, clock)

	clock.Advance(4999 * time.Millisecond)
	assert.False(t, a.ShouldFlush(clock.Now()))
	_, ok := a.FlushIfDue(clock.Now())
	assert.False(t, ok)

	clock.Advance(time.Millisecond)
	assert.True(t, a.ShouldFlush(clock.Now()))
	_, ok = a.FlushIfDue(clock.Now())
	assert.True(t, ok)
	assert.False(t, a.ShouldFlush(clock.Now()))
}

func TestSetIntervalResetsWindow(t *testing.T) {
	clock := newFakeClock()
	a := newAgg(t, 60, clock)
	a.Record(dets("car", "car"))

	clock.Advance(30 * time.Second)
	require.NoError(t, a.SetInterval(10))

	assert.Equal(t, 10*time.Second, a.Interval())
	assert.Equal(t, clock.Now(), a.WindowStart())
	assert.Empty(t, a.CurrentLabels())
	assert.Equal(t, map[string]int{"car": 2}, a.Totals())

	clock.Advance(10 * time.Second)
	report := a.FlushWindow(clock.Now())
	assert.Empty(t, report.Event.Labels)
	assert.Empty(t, report.WindowCounts)
}

func TestSetIntervalRejectsNonPositive(t *testing.T) {
	a := newAgg(t, 5, newFakeClock())
	for _, v := range []int{0, -3} {
		err := a.SetInterval(v)
		assert.ErrorIs(t, err, ErrInvalidInterval)
	}
	assert.Equal(t, 5, a.IntervalSeconds())

	_, err := NewAggregator(0, nil)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestReportMessages(t *testing.T) {
	ts := time.Date(2024, 5, 1, 14, 3, 9, 0, time.UTC)
	r := WindowReport{
		Event:           NewEvent("id-1", ts, []string{"person", "dog", "person"}),
		WindowCounts:    map[string]int{"person": 4, "dog": 1},
		Totals:          map[string]int{"person": 40, "dog": 3, "cat": 1},
		IntervalSeconds: 60,
	}

	assert.Equal(t, "Objects detected between 2024-05-01 14:03:09 and 60 seconds prior: dog, person", r.LogLine())
	assert.Equal(t, LogUpdate{LogEntry: r.LogLine()}, r.LogUpdate())

	u := r.Update()
	require.Len(t, u.TimeSeriesData, 1)
	assert.Equal(t, "2024-05-01 14:03:09", u.TimeSeriesData[0].Timestamp)
	assert.Equal(t, map[string]int{"dog": 1, "person": 1}, u.TimeSeriesData[0].ObjectCounts)
	assert.Equal(t, map[string]int{"dog": 1, "person": 1}, u.ObjectCounts)
	assert.Equal(t, r.Totals, u.TotalObjectCounts)

	m := u.Map()
	assert.Equal(t, map[string]any{"dog": 1.0, "person": 1.0}, m["object_counts"])
	assert.Equal(t, map[string]any{"person": 40.0, "dog": 3.0, "cat": 1.0}, m["total_object_counts"])
	assert.Len(t, m["time_series_data"], 1)
}

func TestUpdateCountsDistinctLabelsPerWindow(t *testing.T) {
	clock := newFakeClock()
	a := newAgg(t, 1, clock)
	a.Record(dets("person", "person", "person", "dog"))
	clock.Advance(time.Second)

	report := a.FlushWindow(clock.Now())
	u := report.Update()
	assert.Equal(t, map[string]int{"dog": 1, "person": 1}, u.ObjectCounts)
	assert.Equal(t, u.ObjectCounts, u.TimeSeriesData[0].ObjectCounts)
	assert.Equal(t, map[string]int{"dog": 1, "person": 3}, u.TotalObjectCounts)
	assert.Equal(t, map[string]int{"dog": 1, "person": 3}, report.WindowCounts)
}

func TestEmptyWindowUpdateHasNoCounts(t *testing.T) {
	r := WindowReport{Event: NewEvent("id", time.Now(), nil), Totals: map[string]int{"cat": 2}}
	u := r.Update()
	assert.NotNil(t, u.ObjectCounts)
	assert.Empty(t, u.ObjectCounts)
}

func TestEventString(t *testing.T) {
	e := NewEvent("x", time.Date(2024, 1, 2, 3, 4, 5, 999, time.UTC), []string{"b", "a"})
	assert.Equal(t, "2024-01-02 03:04:05: a, b", e.String())
}

func eventAt(ts time.Time, labels ...string) Event {
	return NewEvent(fmt.Sprintf("ev-%d", ts.Unix()), ts, labels)
}

func TestEventLogEvictsOldestAtCapacity(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	log := NewEventLog(3)
	for i := range 4 {
		log.Append(eventAt(base.Add(time.Duration(i)*time.Minute), "x"))
	}

	assert.Equal(t, 3, log.Len())
	assert.Equal(t, 3, log.Cap())
	snap := log.Snapshot()
	require.Len(t, snap, 3)
	for i, e := range snap {
		assert.Equal(t, base.Add(time.Duration(i+1)*time.Minute), e.Timestamp)
	}
}

func TestEventLogBelowCapacityKeepsEverything(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	log := NewEventLog(5)
	for i := range 5 {
		log.Append(eventAt(base.Add(time.Duration(i)*time.Second)))
	}
	assert.Len(t, log.Snapshot(), 5)
	assert.Equal(t, base, log.Snapshot()[0].Timestamp)
}

func TestEventLogQueryIsInclusiveAndIdempotent(t *testing.T) {
	base := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	log := NewEventLog(10)
	for i := range 5 {
		log.Append(eventAt(base.Add(time.Duration(i)*time.Minute), "person"))
	}

	start, end := base.Add(time.Minute), base.Add(3*time.Minute)
	got := log.Query(start, end)
	require.Len(t, got, 3)
	assert.Equal(t, start, got[0].Timestamp)
	assert.Equal(t, end, got[2].Timestamp)

	assert.Equal(t, got, log.Query(start, end))
	assert.Empty(t, log.Query(base.Add(time.Hour), base.Add(2*time.Hour)))
	assert.Equal(t, 5, log.Len())
}

func TestEventLogQueryReturnsCopies(t *testing.T) {
	ts := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	log := NewEventLog(2)
	log.Append(eventAt(ts, "dog"))

	got := log.Query(ts, ts)
	got[0].Labels[0] = "mutated"
	assert.Equal(t, []string{"dog"}, log.Query(ts, ts)[0].Labels)
}

func TestEventLogRestoreKeepsNewest(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var events []Event
	for i := range 5 {
		events = append(events, eventAt(base.Add(time.Duration(i)*time.Second)))
	}
	log := NewEventLog(3)
	log.Append(eventAt(base.Add(-time.Hour)))
	log.Restore(events)

	snap := log.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, base.Add(2*time.Second), snap[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Second), snap[2].Timestamp)
}

func TestEventLogConcurrentAccess(t *testing.T) {
	log := NewEventLog(50)
	base := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 500 {
			log.Append(eventAt(base.Add(time.Duration(i)*time.Second), "a", "b"))
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			for _, e := range log.Query(base.Add(-time.Hour), base.Add(time.Hour)) {
				if len(e.Labels) != 2 {
					t.Errorf("torn event: %+v", e)
				}
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, 50, log.Len())
}

// sliceSource yields frames then ErrSourceClosed.
type sliceSource struct {
	mu     sync.Mutex
	frames []capture.Frame
}

func (s *sliceSource) Next(ctx context.Context) (capture.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return capture.Frame{}, capture.ErrSourceClosed
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) Close() error { return nil }

// steppingDetector advances the clock one second per frame so flush timing
// follows frame processing deterministically.
type steppingDetector struct {
	clock *fakeClock
	bySeq map[uint64][]detect.Detection
	fail  map[uint64]bool
}

func (d *steppingDetector) Detect(_ context.Context, f capture.Frame) ([]detect.Detection, error) {
	d.clock.Advance(time.Second)
	if d.fail[f.Seq] {
		return nil, errors.New("model crashed")
	}
	return d.bySeq[f.Seq], nil
}

func (d *steppingDetector) Close() error { return nil }

type recordingSink struct {
	mu      sync.Mutex
	frames  []uint64
	reports []WindowReport
}

func (r *recordingSink) PublishFrame(f capture.Frame, _ []byte, _ []detect.Detection) {
	r.mu.Lock()
	r.frames = append(r.frames, f.Seq)
	r.mu.Unlock()
}

func (r *recordingSink) PublishWindow(report WindowReport) {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
}

func TestLoopFlushesOnIntervalAndStopsOnSourceError(t *testing.T) {
	clock := newFakeClock()
	agg := newAgg(t, 2, clock)
	log := NewEventLog(10)
	m := metrics.New()

	src := &sliceSource{}
	for seq := uint64(1); seq <= 4; seq++ {
		src.frames = append(src.frames, capture.Frame{Seq: seq, JPEG: []byte{byte(seq)}})
	}
	det := &steppingDetector{
		clock: clock,
		bySeq: map[uint64][]detect.Detection{
			1: dets("person"),
			2: dets("person", "dog"),
			4: dets("cat"),
		},
		fail: map[uint64]bool{3: true},
	}

	loop := NewLoop(LoopConfig{
		Source:     src,
		Detector:   det,
		Aggregator: agg,
		Log:        log,
		Metrics:    m,
		FlushCheck: time.Hour,
		Clock:      clock.Now,
	})
	sink := &recordingSink{}
	loop.AddFrameSink(sink)
	loop.AddWindowSink(sink)

	err := loop.Run(context.Background())
	require.ErrorIs(t, err, capture.ErrSourceClosed)

	assert.Equal(t, []uint64{1, 2, 3, 4}, sink.frames)
	require.Len(t, sink.reports, 2)
	assert.Equal(t, []string{"dog", "person"}, sink.reports[0].Event.Labels)
	assert.Equal(t, map[string]int{"person": 2, "dog": 1}, sink.reports[0].WindowCounts)
	assert.Equal(t, []string{"cat"}, sink.reports[1].Event.Labels)
	assert.Equal(t, map[string]int{"person": 2, "dog": 1, "cat": 1}, sink.reports[1].Totals)

	assert.Equal(t, 2, log.Len())
	assert.Equal(t, uint64(1), m.DetectorErrors.Load())
	assert.Equal(t, uint64(4), m.FramesProcessed.Load())
	assert.Equal(t, uint64(2), m.EventLogLength.Load())

	stats := loop.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, uint64(4), stats.Frames)
	assert.NotEmpty(t, stats.LastError)
}

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (capture.Frame, error) {
	<-ctx.Done()
	return capture.Frame{}, ctx.Err()
}

func (blockingSource) Close() error { return nil }

func TestLoopFlushesWhileWaitingForFrames(t *testing.T) {
	agg, err := NewAggregator(1, nil)
	require.NoError(t, err)
	log := NewEventLog(10)
	sink := &recordingSink{}

	loop := NewLoop(LoopConfig{
		Source:     blockingSource{},
		Aggregator: agg,
		Log:        log,
		FlushCheck: 10 * time.Millisecond,
	})
	loop.AddWindowSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return log.Len() >= 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.reports)
	assert.Empty(t, sink.reports[0].Event.Labels)
}
