package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/detect"
)

func grayFrame(t *testing.T, w, h int) capture.Frame {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return capture.Frame{Seq: 7, Timestamp: time.Now(), Width: w, Height: h, JPEG: buf.Bytes()}
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func isGreenish(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return g>>8 > 150 && r>>8 < 120 && b>>8 < 160
}

func TestCaption(t *testing.T) {
	assert.Equal(t, "person: 0.87", Caption(detect.Detection{Label: "person", Confidence: 0.8712}))
}

func TestRenderPassThroughWithoutDetections(t *testing.T) {
	f := grayFrame(t, 64, 48)
	out, err := New(Options{}).Render(f, nil)
	require.NoError(t, err)
	assert.Equal(t, f.JPEG, out)
}

func TestRenderDrawsBox(t *testing.T) {
	f := grayFrame(t, 160, 120)
	det := detect.Detection{Label: "cat", Confidence: 0.9, Box: detect.BoundingBox{X: 40, Y: 50, W: 60, H: 40}}

	out, err := New(Options{Quality: 95}).Render(f, []detect.Detection{det})
	require.NoError(t, err)

	img := decode(t, out)
	assert.Equal(t, 160, img.Bounds().Dx())
	// middle of the left edge of the box
	assert.True(t, isGreenish(img.At(41, 70)))
	// box interior keeps the source
	assert.False(t, isGreenish(img.At(70, 70)))
}

func TestRenderDownscales(t *testing.T) {
	f := grayFrame(t, 320, 240)
	det := detect.Detection{Label: "dog", Confidence: 0.5, Box: detect.BoundingBox{X: 10, Y: 10, W: 50, H: 50}}

	out, err := New(Options{MaxWidth: 160}).Render(f, []detect.Detection{det})
	require.NoError(t, err)

	b := decode(t, out).Bounds()
	assert.Equal(t, 160, b.Dx())
	assert.Equal(t, 120, b.Dy())
}

func TestRenderScalesEvenWithoutDetections(t *testing.T) {
	out, err := New(Options{MaxWidth: 100}).Render(grayFrame(t, 200, 100), nil)
	require.NoError(t, err)
	assert.Equal(t, 100, decode(t, out).Bounds().Dx())
}

func TestRenderBoxOutsideFrameIsClipped(t *testing.T) {
	det := detect.Detection{Label: "x", Confidence: 1, Box: detect.BoundingBox{X: 50, Y: 0, W: 100, H: 100}}
	_, err := New(Options{}).Render(grayFrame(t, 64, 48), []detect.Detection{det})
	assert.NoError(t, err)
}

func TestRenderRejectsCorruptFrame(t *testing.T) {
	f := capture.Frame{JPEG: []byte("not a jpeg")}
	_, err := New(Options{Stats: true}).Render(f, nil)
	assert.Error(t, err)
}

func TestPlaceholder(t *testing.T) {
	img := decode(t, Placeholder(0, 0))
	assert.Equal(t, image.Rect(0, 0, 640, 480), img.Bounds())
}
