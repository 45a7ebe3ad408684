// Package capture provides camera frame sources.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/home-monitor/internal/config"
)

// ErrSourceClosed is returned by Next once a source has no more frames.
var ErrSourceClosed = errors.New("capture: source closed")

// Frame is a single JPEG-encoded camera frame.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	JPEG      []byte
}

// Source yields frames one at a time. Next blocks until a frame is available,
// the context is cancelled, or the source fails.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// New builds the source selected by cfg.Driver.
func New(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Driver {
	case "", "synthetic":
		return NewSynthetic(cfg.Width, cfg.Height, cfg.FPS), nil
	case "mjpeg":
		m, err := NewMJPEG(cfg.URL, nil)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "gst":
		return NewGStreamer(cfg)
	default:
		return nil, fmt.Errorf("capture: unknown driver %q", cfg.Driver)
	}
}
