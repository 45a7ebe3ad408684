// Package recorder writes annotated frames to multipart MJPEG clip files.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/detect"
	"github.com/dj-oyu/home-monitor/internal/logger"
	"github.com/dj-oyu/home-monitor/internal/metrics"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// FileExt is the extension of clip files.
const FileExt = ".mjpeg"

// Boundary separates frames inside a clip file.
const Boundary = "frame"

// Recorder records frames to file
type Recorder struct {
	opMu      sync.Mutex // serializes Start and Stop
	mu        sync.Mutex
	file      *os.File
	frames    chan []byte
	filename  string
	basePath  string
	recording bool
	startTime time.Time
	stopTime  time.Time
	wg        sync.WaitGroup

	frameCount   atomic.Uint64
	bytesWritten atomic.Uint64
	dropped      atomic.Uint64
	writeErr     error // set by the writer, read after wg.Wait

	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecorder creates a recorder that writes clips under basePath.
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	if m == nil {
		m = metrics.New()
	}
	return &Recorder{
		basePath: basePath,
		metrics:  m,
		now:      time.Now,
	}
}

// Start opens a new clip file and returns its path.
func (r *Recorder) Start() (string, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}

	start := r.now()
	filename := fmt.Sprintf("recording_%s%s", start.Format("20060102_150405.000"), FileExt)
	path := filepath.Join(r.basePath, filename)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.filename = path
	r.recording = true
	r.startTime = start
	r.stopTime = time.Time{}
	r.frames = make(chan []byte, 60)
	r.frameCount.Store(0)
	r.bytesWritten.Store(0)
	r.dropped.Store(0)
	r.writeErr = nil

	r.metrics.RecordingActive.Store(1)
	r.metrics.RecordingBytes.Store(0)

	r.wg.Add(1)
	go r.writeFrames(file, r.frames)

	logger.Info("Recorder", "Recording started: %s", path)
	return path, nil
}

// Stop closes the current clip and returns its final status.
func (r *Recorder) Stop() (RecordingStatus, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return RecordingStatus{}, ErrNotRecording
	}
	r.recording = false
	r.stopTime = r.now()
	close(r.frames)
	file := r.file
	r.file = nil
	r.mu.Unlock()

	// the writer drains what is already queued
	r.wg.Wait()
	r.metrics.RecordingActive.Store(0)

	err := r.writeErr
	if syncErr := file.Sync(); syncErr != nil && err == nil {
		err = fmt.Errorf("failed to sync file: %w", syncErr)
	}
	if closeErr := file.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("failed to close file: %w", closeErr)
	}

	status := r.Status()
	logger.Info("Recorder", "Recording stopped: %s (%d frames, %d bytes, %d dropped)",
		status.Filename, status.FrameCount, status.BytesWritten, r.dropped.Load())
	return status, err
}

// PublishFrame queues an annotated frame when recording. It never blocks;
// frames are dropped while the writer is behind.
func (r *Recorder) PublishFrame(_ capture.Frame, annotated []byte, _ []detect.Detection) {
	if len(annotated) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	select {
	case r.frames <- annotated:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) writeFrames(file *os.File, frames <-chan []byte) {
	defer r.wg.Done()

	w := bufio.NewWriterSize(file, 256*1024)
	failed := false
	for data := range frames {
		if failed {
			continue
		}
		n, err := writePart(w, data)
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			logger.Error("Recorder", "Write failed, discarding remaining frames: %v", err)
			r.writeErr = fmt.Errorf("write frame: %w", err)
			failed = true
			continue
		}
		r.frameCount.Add(1)
		r.metrics.RecordingBytes.Store(r.bytesWritten.Add(uint64(n)))
	}
	if failed {
		return
	}
	n, err := w.WriteString("--" + Boundary + "--\r\n")
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		r.writeErr = fmt.Errorf("write trailer: %w", err)
		return
	}
	r.metrics.RecordingBytes.Store(r.bytesWritten.Add(uint64(n)))
}

func writePart(w *bufio.Writer, data []byte) (int, error) {
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(data))
	total := 0
	for _, chunk := range [][]byte{[]byte(header), data, []byte("\r\n")} {
		n, err := w.Write(chunk)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var duration time.Duration
	switch {
	case r.recording:
		duration = r.now().Sub(r.startTime)
	case !r.startTime.IsZero():
		duration = r.stopTime.Sub(r.startTime)
	}

	status := RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount.Load(),
		BytesWritten: r.bytesWritten.Load(),
		Dropped:      r.dropped.Load(),
		DurationMS:   duration.Milliseconds(),
	}
	if !r.startTime.IsZero() {
		start := r.startTime
		status.StartTime = &start
	}
	return status
}

// Close stops any recording in progress.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool       `json:"recording"`
	Filename     string     `json:"filename,omitempty"`
	FrameCount   uint64     `json:"frame_count"`
	BytesWritten uint64     `json:"bytes_written"`
	Dropped      uint64     `json:"dropped"`
	DurationMS   int64      `json:"duration_ms"`
	StartTime    *time.Time `json:"start_time,omitempty"`
}
