package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/detect"
	"github.com/dj-oyu/home-monitor/internal/logger"
	"github.com/dj-oyu/home-monitor/internal/metrics"
)

// Renderer draws detections onto a frame and returns the JPEG to publish.
type Renderer interface {
	Render(frame capture.Frame, dets []detect.Detection) ([]byte, error)
}

// FrameSink receives every processed frame. Implementations must not block.
type FrameSink interface {
	PublishFrame(frame capture.Frame, annotated []byte, dets []detect.Detection)
}

// WindowSink receives every flushed window. Implementations must not block.
type WindowSink interface {
	PublishWindow(report WindowReport)
}

// LoopConfig wires the capture loop.
type LoopConfig struct {
	Source     capture.Source
	Detector   detect.Detector
	Renderer   Renderer // nil publishes the source JPEG unchanged
	Aggregator *Aggregator
	Log        *EventLog
	Metrics    *metrics.Metrics
	// FlushCheck is how often the window clock is checked while waiting for frames.
	FlushCheck time.Duration
	Clock      func() time.Time
}

// LoopStats describes the loop for /api/status.
type LoopStats struct {
	Running     bool      `json:"running"`
	Frames      uint64    `json:"frames_processed"`
	LastFrameAt time.Time `json:"last_frame_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Loop drives capture -> detect -> aggregate -> render, and flushes windows on time.
type Loop struct {
	cfg LoopConfig

	sinkMu      sync.RWMutex
	frameSinks  []FrameSink
	windowSinks []WindowSink

	statsMu sync.Mutex
	stats   LoopStats
}

// NewLoop creates a loop; Run starts it.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Detector == nil {
		cfg.Detector = detect.None{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.FlushCheck <= 0 {
		cfg.FlushCheck = 250 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Loop{cfg: cfg}
}

// AddFrameSink registers a receiver for processed frames.
func (l *Loop) AddFrameSink(s FrameSink) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	l.frameSinks = append(l.frameSinks, s)
}

// AddWindowSink registers a receiver for flushed windows.
func (l *Loop) AddWindowSink(s WindowSink) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	l.windowSinks = append(l.windowSinks, s)
}

// Stats returns a snapshot of loop progress.
func (l *Loop) Stats() LoopStats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

type frameResult struct {
	frame capture.Frame
	err   error
}

// Run processes frames until ctx is cancelled (returns nil) or the source
// fails (returns the error). Flushes keep happening while waiting for a frame.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.setRunning(true, nil)
	logger.Info("Loop", "Capture loop started (interval=%ds)", l.cfg.Aggregator.IntervalSeconds())

	frames := make(chan frameResult, 1)
	go l.readFrames(ctx, frames)

	ticker := time.NewTicker(l.cfg.FlushCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.setRunning(false, nil)
			logger.Info("Loop", "Capture loop stopped")
			return nil

		case <-ticker.C:
			l.flushIfDue()

		case res := <-frames:
			if res.err != nil {
				if ctx.Err() != nil {
					l.setRunning(false, nil)
					return nil
				}
				l.cfg.Metrics.CaptureErrors.Add(1)
				l.setRunning(false, res.err)
				if errors.Is(res.err, capture.ErrSourceClosed) {
					logger.Warn("Loop", "Frame source closed, capture loop ending")
				} else {
					logger.Error("Loop", "Failed to read frame, capture loop ending: %v", res.err)
				}
				return res.err
			}
			l.processFrame(ctx, res.frame)
			l.flushIfDue()
		}
	}
}

func (l *Loop) readFrames(ctx context.Context, out chan<- frameResult) {
	for {
		f, err := l.cfg.Source.Next(ctx)
		select {
		case out <- frameResult{frame: f, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *Loop) processFrame(ctx context.Context, frame capture.Frame) {
	m := l.cfg.Metrics
	m.FramesCaptured.Add(1)

	started := time.Now()
	dets, err := l.cfg.Detector.Detect(ctx, frame)
	m.ObserveDetectLatency(time.Since(started))
	if err != nil {
		m.DetectorErrors.Add(1)
		if errors.Is(err, detect.ErrWorkerDead) {
			// The detector already logged why it stopped.
			logger.Debug("Loop", "Detector unavailable for frame %d", frame.Seq)
		} else {
			logger.Warn("Loop", "Detector failed on frame %d: %v", frame.Seq, err)
		}
		dets = nil
	}

	l.cfg.Aggregator.Record(dets)
	m.ObserveDetections(detect.Labels(dets))
	m.FramesProcessed.Add(1)

	annotated := frame.JPEG
	if l.cfg.Renderer != nil {
		if out, err := l.cfg.Renderer.Render(frame, dets); err != nil {
			logger.Debug("Loop", "Render failed on frame %d: %v", frame.Seq, err)
		} else {
			annotated = out
		}
	}

	l.sinkMu.RLock()
	for _, s := range l.frameSinks {
		s.PublishFrame(frame, annotated, dets)
	}
	l.sinkMu.RUnlock()

	l.statsMu.Lock()
	l.stats.Frames++
	l.stats.LastFrameAt = frame.Timestamp
	l.statsMu.Unlock()
}

func (l *Loop) flushIfDue() {
	report, ok := l.cfg.Aggregator.FlushIfDue(l.cfg.Clock())
	if !ok {
		return
	}
	l.cfg.Log.Append(report.Event)

	m := l.cfg.Metrics
	m.WindowFlushed(len(report.Event.Labels))
	m.EventLogLength.Store(uint64(l.cfg.Log.Len()))

	logger.Info("Loop", "%s", report.LogLine())
	logger.Debug("Loop", "Event logged: id=%s labels=%v counts=%v", report.Event.ID, report.Event.Labels, report.WindowCounts)

	l.sinkMu.RLock()
	for _, s := range l.windowSinks {
		s.PublishWindow(report)
	}
	l.sinkMu.RUnlock()
}

func (l *Loop) setRunning(running bool, err error) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	l.stats.Running = running
	if err != nil {
		l.stats.LastError = err.Error()
	}
}
