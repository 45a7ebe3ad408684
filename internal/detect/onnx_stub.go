//go:build !onnx

package detect

import (
	"errors"

	"github.com/dj-oyu/home-monitor/internal/config"
)

// NewONNX is unavailable unless built with -tags onnx.
func NewONNX(config.DetectorConfig) (Detector, error) {
	return nil, errors.New("detect: onnx driver requires building with -tags onnx")
}
