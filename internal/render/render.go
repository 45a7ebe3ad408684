// Package render draws detection overlays onto frames and re-encodes them as JPEG.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/detect"
)

var (
	boxColor  = color.RGBA{R: 0, G: 230, B: 64, A: 255}
	textColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	bgColor   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

const (
	boxThickness = 3
	textPadding  = 2
)

// Options controls rendering.
type Options struct {
	MaxWidth int // 0 keeps the source width
	Quality  int // JPEG quality 1-100, 0 means 80
	Stats    bool
	Location *time.Location
}

// Renderer draws boxes and captions. It is stateless and safe for concurrent use.
type Renderer struct {
	opts Options
	face font.Face
}

// New creates a Renderer.
func New(opts Options) *Renderer {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 80
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Renderer{opts: opts, face: basicfont.Face7x13}
}

// Caption is the text drawn next to a detection box.
func Caption(d detect.Detection) string {
	return fmt.Sprintf("%s: %.2f", d.Label, d.Confidence)
}

// Render decodes frame, draws dets and returns the encoded result. Without
// detections, stats or scaling the source JPEG is returned as is.
func (r *Renderer) Render(frame capture.Frame, dets []detect.Detection) ([]byte, error) {
	if len(dets) == 0 && !r.opts.Stats && !r.needsScale(frame.Width) {
		return frame.JPEG, nil
	}

	src, err := jpeg.Decode(bytes.NewReader(frame.JPEG))
	if err != nil {
		return nil, fmt.Errorf("render: decode frame %d: %w", frame.Seq, err)
	}
	b := src.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), src, b.Min, draw.Src)

	if r.opts.Stats {
		ts := frame.Timestamp.In(r.opts.Location).Format("2006/01/02 15:04:05")
		r.label(canvas, 10, 10, fmt.Sprintf("Frame: %d  Time: %s", frame.Seq, ts))
	}
	for _, d := range dets {
		strokeRect(canvas, d.Box, boxThickness)
		y := d.Box.Y - r.textHeight() - textPadding*2
		if y < 5 {
			y = d.Box.Y + d.Box.H + 5
		}
		r.label(canvas, d.Box.X, y, Caption(d))
	}

	var out image.Image = canvas
	if r.needsScale(canvas.Bounds().Dx()) {
		out = scale(canvas, r.opts.MaxWidth)
	}
	return encode(out, r.opts.Quality)
}

func (r *Renderer) needsScale(width int) bool {
	return r.opts.MaxWidth > 0 && width > r.opts.MaxWidth
}

func (r *Renderer) textHeight() int {
	return r.face.Metrics().Height.Ceil()
}

// label draws text on a filled background whose top-left corner is (x, y).
func (r *Renderer) label(dst *image.RGBA, x, y int, text string) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(textColor), Face: r.face}
	w := d.MeasureString(text).Ceil()
	h := r.textHeight()

	bg := image.Rect(x, y, x+w+textPadding*2, y+h+textPadding*2).Intersect(dst.Bounds())
	draw.Draw(dst, bg, image.NewUniform(bgColor), image.Point{}, draw.Src)

	ascent := r.face.Metrics().Ascent.Ceil()
	d.Dot = fixed.P(x+textPadding, y+textPadding+ascent)
	d.DrawString(text)
}

func strokeRect(dst *image.RGBA, box detect.BoundingBox, thickness int) {
	outer := image.Rect(box.X, box.Y, box.X+box.W, box.Y+box.H)
	edges := []image.Rectangle{
		image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, outer.Min.Y+thickness),
		image.Rect(outer.Min.X, outer.Max.Y-thickness, outer.Max.X, outer.Max.Y),
		image.Rect(outer.Min.X, outer.Min.Y, outer.Min.X+thickness, outer.Max.Y),
		image.Rect(outer.Max.X-thickness, outer.Min.Y, outer.Max.X, outer.Max.Y),
	}
	fill := image.NewUniform(boxColor)
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), fill, image.Point{}, draw.Src)
	}
}

func scale(src image.Image, maxWidth int) image.Image {
	b := src.Bounds()
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("render: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Placeholder returns a color-bar JPEG shown while no frame is available.
func Placeholder(width, height int) []byte {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	data, err := encode(capture.ColorBars(width, height, 0), 75)
	if err != nil {
		return nil
	}
	return data
}
