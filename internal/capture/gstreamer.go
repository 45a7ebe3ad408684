//go:build gst

package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/dj-oyu/home-monitor/internal/config"
	"github.com/dj-oyu/home-monitor/internal/logger"
)

// GStreamer pulls JPEG frames from an appsink at the end of a launch pipeline.
type GStreamer struct {
	pipeline *gst.Pipeline
	width    int
	height   int

	frames  chan Frame
	errs    chan error
	seq     atomic.Uint64
	dropped atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
}

// LaunchString builds the gst-launch description used for cfg.
func LaunchString(cfg config.CaptureConfig) string {
	if cfg.Pipeline != "" {
		if strings.Contains(cfg.Pipeline, "name=sink") {
			return cfg.Pipeline
		}
		return cfg.Pipeline + " ! appsink name=sink"
	}

	var src string
	switch {
	case strings.HasPrefix(cfg.URL, "rtsp://"):
		src = fmt.Sprintf("rtspsrc location=%s latency=200 ! decodebin", cfg.URL)
	case cfg.URL != "":
		src = fmt.Sprintf("souphttpsrc location=%s is-live=true ! decodebin", cfg.URL)
	default:
		src = fmt.Sprintf("v4l2src device=%s ! decodebin", cfg.Device)
	}
	return fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! videorate drop-only=true ! video/x-raw,width=%d,height=%d,framerate=%d/1 ! jpegenc quality=85 ! appsink name=sink",
		src, cfg.Width, cfg.Height, cfg.FPS,
	)
}

// NewGStreamer builds and starts the pipeline described by cfg.
func NewGStreamer(cfg config.CaptureConfig) (Source, error) {
	gst.Init(nil)

	launch := LaunchString(cfg)
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("capture: failed to create pipeline: %w", err)
	}
	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, fmt.Errorf("capture: pipeline has no appsink named sink: %w", err)
	}
	sink := app.SinkFromElement(elem)
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	g := &GStreamer{
		pipeline: pipeline,
		width:    cfg.Width,
		height:   cfg.Height,
		frames:   make(chan Frame, 2),
		errs:     make(chan error, 1),
		stop:     make(chan struct{}),
	}
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: g.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("capture: failed to start pipeline: %w", err)
	}
	go g.watchBus()

	logger.Info("Capture", "GStreamer pipeline started: %s", launch)
	return g, nil
}

func (g *GStreamer) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	// GStreamer reuses the buffer
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := Frame{
		Seq:       g.seq.Add(1),
		Timestamp: time.Now(),
		Width:     g.width,
		Height:    g.height,
		JPEG:      frameData,
	}
	select {
	case g.frames <- frame:
	default:
		if n := g.dropped.Add(1); n%100 == 1 {
			logger.Debug("Capture", "Dropping frames, consumer is slow (dropped=%d)", n)
		}
	}
	return gst.FlowOK
}

func (g *GStreamer) watchBus() {
	bus := g.pipeline.GetPipelineBus()
	for {
		select {
		case <-g.stop:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			g.fail(ErrSourceClosed)
			return
		case gst.MessageError:
			g.fail(fmt.Errorf("capture: pipeline error: %w", msg.ParseError()))
			return
		}
	}
}

func (g *GStreamer) fail(err error) {
	select {
	case g.errs <- err:
	default:
	}
}

// Next returns the next frame from the appsink.
func (g *GStreamer) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-g.stop:
		return Frame{}, ErrSourceClosed
	case err := <-g.errs:
		return Frame{}, err
	case f := <-g.frames:
		return f, nil
	}
}

// Close stops the pipeline.
func (g *GStreamer) Close() error {
	var err error
	g.stopOnce.Do(func() {
		close(g.stop)
		err = g.pipeline.SetState(gst.StateNull)
	})
	return err
}
