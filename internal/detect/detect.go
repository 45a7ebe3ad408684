// Package detect runs object detection on captured frames.
package detect

import (
	"context"
	"fmt"
	"sort"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/config"
)

// BoundingBox is a pixel rectangle in frame coordinates.
type BoundingBox struct {
	X int `json:"x" msgpack:"x"`
	Y int `json:"y" msgpack:"y"`
	W int `json:"w" msgpack:"w"`
	H int `json:"h" msgpack:"h"`
}

// Detection is one object found in a frame.
type Detection struct {
	Label      string      `json:"label" msgpack:"label"`
	Confidence float64     `json:"confidence" msgpack:"confidence"`
	Box        BoundingBox `json:"bbox" msgpack:"bbox"`
}

// Detector finds objects in a frame. Implementations are called from a
// single goroutine but must honor ctx.
type Detector interface {
	Detect(ctx context.Context, frame capture.Frame) ([]Detection, error)
	Close() error
}

// New builds the detector selected by cfg.Driver.
func New(cfg config.DetectorConfig) (Detector, error) {
	switch cfg.Driver {
	case "", "none":
		return None{}, nil
	case "subprocess":
		s, err := StartSubprocess(cfg.Command, cfg.Confidence, cfg.Timeout.D())
		if err != nil {
			return nil, err
		}
		return s, nil
	case "onnx":
		return NewONNX(cfg)
	default:
		return nil, fmt.Errorf("detect: unknown driver %q", cfg.Driver)
	}
}

// None never detects anything.
type None struct{}

// Detect implements Detector.
func (None) Detect(context.Context, capture.Frame) ([]Detection, error) { return nil, nil }

// Close implements Detector.
func (None) Close() error { return nil }

// Labels returns the label of every detection in order, duplicates included.
func Labels(dets []Detection) []string {
	out := make([]string, 0, len(dets))
	for _, d := range dets {
		out = append(out, d.Label)
	}
	return out
}

// FilterConfidence drops detections below min.
func FilterConfidence(dets []Detection, min float64) []Detection {
	if min <= 0 {
		return dets
	}
	out := dets[:0]
	for _, d := range dets {
		if d.Confidence >= min {
			out = append(out, d)
		}
	}
	return out
}

// SortByConfidence orders detections from most to least confident.
func SortByConfidence(dets []Detection) {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Confidence > dets[j].Confidence })
}
