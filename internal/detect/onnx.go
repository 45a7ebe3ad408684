//go:build onnx

package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/config"
	"github.com/dj-oyu/home-monitor/internal/logger"
)

// ortEnv manages global ONNX Runtime initialization (process-wide singleton).
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// ONNX runs a YOLOv8 model in-process.
type ONNX struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	inputSize  int
	anchors    int
	labels     []string
	minConf    float64
}

// NewONNX loads cfg.ModelPath. The runtime library defaults to
// libonnxruntime.so next to the model.
func NewONNX(cfg config.DetectorConfig) (Detector, error) {
	libPath := cfg.LibraryPath
	if libPath == "" {
		libPath = filepath.Join(filepath.Dir(cfg.ModelPath), "libonnxruntime.so")
	}
	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("onnx: expected one input and one output, got %d/%d", len(inputs), len(outputs))
	}
	dims := outputs[0].Dimensions
	if len(dims) != 3 {
		return nil, fmt.Errorf("onnx: expected 3D output tensor, got %v", dims)
	}

	labels := cfg.Labels
	if len(labels) == 0 {
		labels = COCOLabels
	}
	if int(dims[1]) != 4+len(labels) {
		return nil, fmt.Errorf("onnx: model has %d classes but %d labels are configured", dims[1]-4, len(labels))
	}

	size := cfg.InputSize
	if size <= 0 {
		size = 640
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(4)
	opts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	logger.Info("Detect", "Loaded ONNX model %s (%d classes, %d anchors)", cfg.ModelPath, len(labels), dims[2])
	return &ONNX{
		session:    session,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		inputSize:  size,
		anchors:    int(dims[2]),
		labels:     labels,
		minConf:    cfg.Confidence,
	}, nil
}

// Detect implements Detector.
func (o *ONNX) Detect(ctx context.Context, frame capture.Frame) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(frame.JPEG))
	if err != nil {
		return nil, fmt.Errorf("onnx: decode frame %d: %w", frame.Seq, err)
	}
	canvas, lb := letterboxImage(img, o.inputSize)

	o.mu.Lock()
	defer o.mu.Unlock()

	size := int64(o.inputSize)
	in, err := ort.NewTensor(ort.NewShape(1, 3, size, size), toCHW(canvas))
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(o.labels)), int64(o.anchors)))
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := o.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("onnx: inference failed: %w", err)
	}
	return decodeYOLO(out.GetData(), o.anchors, o.labels, o.minConf, lb), nil
}

// Close releases the session.
func (o *ONNX) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.Destroy()
}
