package detect

import (
	"image"
	"image/color"
	"math"
	"sort"

	"golang.org/x/image/draw"
)

// COCOLabels are the 80 class names YOLOv8 models are trained on by default.
var COCOLabels = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}

const nmsIoUThreshold = 0.45

// letterbox records how a frame was fitted into the square model input.
type letterbox struct {
	scale      float64
	padX, padY float64
	srcW, srcH int
}

// letterboxImage scales src into a size×size canvas, keeping aspect ratio and
// padding with gray.
func letterboxImage(src image.Image, size int) (*image.RGBA, letterbox) {
	b := src.Bounds()
	scale := math.Min(float64(size)/float64(b.Dx()), float64(size)/float64(b.Dy()))
	w := int(math.Round(float64(b.Dx()) * scale))
	h := int(math.Round(float64(b.Dy()) * scale))
	padX := (size - w) / 2
	padY := (size - h) / 2

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.RGBA{R: 114, G: 114, B: 114, A: 255}}, image.Point{}, draw.Src)
	draw.BiLinear.Scale(dst, image.Rect(padX, padY, padX+w, padY+h), src, b, draw.Over, nil)

	return dst, letterbox{scale: scale, padX: float64(padX), padY: float64(padY), srcW: b.Dx(), srcH: b.Dy()}
}

// toCHW converts an RGBA image to a normalized planar float32 tensor.
func toCHW(img *image.RGBA) []float32 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := range h {
		for x := range w {
			i := img.PixOffset(x, y)
			p := y*w + x
			out[p] = float32(img.Pix[i]) / 255
			out[plane+p] = float32(img.Pix[i+1]) / 255
			out[2*plane+p] = float32(img.Pix[i+2]) / 255
		}
	}
	return out
}

// decodeYOLO turns a YOLOv8 [1, 4+classes, anchors] output into detections in
// source-frame coordinates, after confidence filtering and per-class NMS.
func decodeYOLO(out []float32, anchors int, labels []string, minConf float64, lb letterbox) []Detection {
	classes := len(labels)
	if len(out) < (4+classes)*anchors {
		return nil
	}
	at := func(row, col int) float64 { return float64(out[row*anchors+col]) }

	var dets []Detection
	for a := range anchors {
		best, bestScore := -1, minConf
		for c := range classes {
			if s := at(4+c, a); s >= bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 {
			continue
		}
		cx, cy, w, h := at(0, a), at(1, a), at(2, a), at(3, a)
		x0 := (cx - w/2 - lb.padX) / lb.scale
		y0 := (cy - h/2 - lb.padY) / lb.scale
		x1 := (cx + w/2 - lb.padX) / lb.scale
		y1 := (cy + h/2 - lb.padY) / lb.scale
		x0, y0 = clamp(x0, 0, float64(lb.srcW)), clamp(y0, 0, float64(lb.srcH))
		x1, y1 = clamp(x1, 0, float64(lb.srcW)), clamp(y1, 0, float64(lb.srcH))
		if x1 <= x0 || y1 <= y0 {
			continue
		}
		dets = append(dets, Detection{
			Label:      labels[best],
			Confidence: bestScore,
			Box: BoundingBox{
				X: int(math.Round(x0)),
				Y: int(math.Round(y0)),
				W: int(math.Round(x1 - x0)),
				H: int(math.Round(y1 - y0)),
			},
		})
	}
	return nms(dets, nmsIoUThreshold)
}

// nms keeps the most confident box of each overlapping same-label cluster.
func nms(dets []Detection, iouThreshold float64) []Detection {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Confidence > dets[j].Confidence })
	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		keep := true
		for _, k := range kept {
			if k.Label == d.Label && iou(k.Box, d.Box) > iouThreshold {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, d)
		}
	}
	return kept
}

func iou(a, b BoundingBox) float64 {
	ix0, iy0 := max(a.X, b.X), max(a.Y, b.Y)
	ix1, iy1 := min(a.X+a.W, b.X+b.W), min(a.Y+a.H, b.Y+b.H)
	if ix1 <= ix0 || iy1 <= iy0 {
		return 0
	}
	inter := float64((ix1 - ix0) * (iy1 - iy0))
	union := float64(a.W*a.H+b.W*b.H) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
