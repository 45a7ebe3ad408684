package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// Bars are the SMPTE-style colors used for placeholder and synthetic frames.
var Bars = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255}, // White
	{R: 255, G: 255, B: 0, A: 255},   // Yellow
	{R: 0, G: 255, B: 255, A: 255},   // Cyan
	{R: 0, G: 255, B: 0, A: 255},     // Green
	{R: 255, G: 0, B: 255, A: 255},   // Magenta
	{R: 255, G: 0, B: 0, A: 255},     // Red
	{R: 0, G: 0, B: 255, A: 255},     // Blue
	{R: 0, G: 0, B: 0, A: 255},       // Black
}

// ColorBars draws vertical color bars shifted right by shift pixels.
func ColorBars(width, height, shift int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	barWidth := width / len(Bars)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := range height {
		for x := range width {
			barIndex := ((x + shift) % width) / barWidth
			if barIndex >= len(Bars) {
				barIndex = len(Bars) - 1
			}
			img.SetRGBA(x, y, Bars[barIndex])
		}
	}
	return img
}

// Synthetic generates scrolling color bars at a fixed rate. It needs no
// hardware and is the default source.
type Synthetic struct {
	width, height int
	interval      time.Duration

	mu     sync.Mutex
	seq    uint64
	last   time.Time
	closed bool
}

// NewSynthetic creates a synthetic source. Non-positive values fall back to 640x480 at 10 fps.
func NewSynthetic(width, height, fps int) *Synthetic {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if fps <= 0 {
		fps = 10
	}
	return &Synthetic{
		width:    width,
		height:   height,
		interval: time.Second / time.Duration(fps),
	}
}

// Next waits for the next frame slot and renders it.
func (s *Synthetic) Next(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Frame{}, ErrSourceClosed
	}
	wait := time.Until(s.last.Add(s.interval))
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Frame{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, ErrSourceClosed
	}
	s.seq++
	s.last = time.Now()

	img := ColorBars(s.width, s.height, int(s.seq*4)%s.width)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return Frame{}, fmt.Errorf("capture: encode synthetic frame: %w", err)
	}
	return Frame{
		Seq:       s.seq,
		Timestamp: s.last,
		Width:     s.width,
		Height:    s.height,
		JPEG:      buf.Bytes(),
	}, nil
}

// Close stops the source; subsequent Next calls return ErrSourceClosed.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
