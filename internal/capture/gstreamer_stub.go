//go:build !gst

package capture

import (
	"errors"

	"github.com/dj-oyu/home-monitor/internal/config"
)

// NewGStreamer is unavailable unless built with -tags gst.
func NewGStreamer(config.CaptureConfig) (Source, error) {
	return nil, errors.New("capture: gst driver requires building with -tags gst")
}
