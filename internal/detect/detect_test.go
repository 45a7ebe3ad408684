package detect

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/config"
)

// fakeWorker answers each request with respond(req) until its input closes.
func fakeWorker(t *testing.T, respond func(workerRequest) workerResponse) (*Subprocess, func()) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	go func() {
		defer respW.Close()
		for {
			var req workerRequest
			if err := readMessage(reqR, &req); err != nil {
				return
			}
			payload, err := msgpack.Marshal(respond(req))
			if err != nil {
				return
			}
			if err := writeMessage(respW, payload); err != nil {
				return
			}
		}
	}()

	s := NewSubprocessConn(reqW, respR, 0.5, time.Second)
	return s, func() { s.Close(); reqR.Close() }
}

func TestSubprocessRoundTrip(t *testing.T) {
	s, done := fakeWorker(t, func(req workerRequest) workerResponse {
		return workerResponse{
			Seq: req.Seq,
			Detections: []Detection{
				{Label: "person", Confidence: 0.9, Box: BoundingBox{X: 1, Y: 2, W: 3, H: 4}},
				{Label: "cat", Confidence: 0.2},
			},
		}
	})
	defer done()

	dets, err := s.Detect(context.Background(), capture.Frame{Seq: 7, JPEG: []byte{0xff, 0xd8}})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].Label)
	assert.Equal(t, BoundingBox{X: 1, Y: 2, W: 3, H: 4}, dets[0].Box)
}

func TestSubprocessWorkerErrorKeepsStream(t *testing.T) {
	calls := 0
	s, done := fakeWorker(t, func(req workerRequest) workerResponse {
		calls++
		if calls == 1 {
			return workerResponse{Seq: req.Seq, Error: "bad frame"}
		}
		return workerResponse{Seq: req.Seq}
	})
	defer done()

	_, err := s.Detect(context.Background(), capture.Frame{Seq: 1})
	assert.ErrorContains(t, err, "bad frame")

	dets, err := s.Detect(context.Background(), capture.Frame{Seq: 2})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

// pipeWorker is an in-process worker that waits delay before each answer.
func pipeWorker(delay time.Duration, stopped *atomic.Int32) *workerConn {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		defer respW.Close()
		for {
			var req workerRequest
			if err := readMessage(reqR, &req); err != nil {
				return
			}
			time.Sleep(delay)
			payload, _ := msgpack.Marshal(workerResponse{
				Seq:        req.Seq,
				Detections: []Detection{{Label: "person", Confidence: 0.9}},
			})
			if err := writeMessage(respW, payload); err != nil {
				return
			}
		}
	}()
	return &workerConn{
		stdin:  reqW,
		stdout: respR,
		stop: func() {
			stopped.Add(1)
			reqW.Close()
			respR.Close()
		},
	}
}

func TestSubprocessRestartsAfterTimeout(t *testing.T) {
	var stopped atomic.Int32
	dials := 0
	dial := func() (*workerConn, error) {
		dials++
		if dials == 1 {
			return pipeWorker(150*time.Millisecond, &stopped), nil
		}
		return pipeWorker(0, &stopped), nil
	}
	conn, err := dial()
	require.NoError(t, err)

	s := newSubprocess(conn, dial, 0.5, 100*time.Millisecond)
	s.minBackoff, s.backoff = 10*time.Millisecond, 10*time.Millisecond
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }
	defer s.Close()

	ctx := context.Background()
	_, err = s.Detect(ctx, capture.Frame{Seq: 0})
	assert.ErrorContains(t, err, "timed out")
	assert.Equal(t, int32(1), stopped.Load(), "stuck worker is stopped")

	_, err = s.Detect(ctx, capture.Frame{Seq: 1})
	assert.ErrorIs(t, err, ErrWorkerDead, "still backing off")
	assert.Equal(t, 1, dials)

	now = now.Add(10 * time.Millisecond)
	for seq := uint64(2); seq < 4; seq++ {
		dets, err := s.Detect(ctx, capture.Frame{Seq: seq})
		require.NoError(t, err)
		require.Len(t, dets, 1)
		assert.Equal(t, "person", dets[0].Label)
	}
	assert.Equal(t, 2, dials)
	assert.Equal(t, 10*time.Millisecond, s.backoff, "backoff resets after an answer")
}

func TestSubprocessRestartBackoffGrows(t *testing.T) {
	dials := 0
	dial := func() (*workerConn, error) {
		dials++
		return nil, errors.New("model missing")
	}
	reqR, reqW := io.Pipe()
	reqR.Close()
	respR, _ := io.Pipe()

	s := newSubprocess(&workerConn{stdin: reqW, stdout: respR, stop: func() { reqW.Close() }}, dial, 0, time.Second)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	_, err := s.Detect(context.Background(), capture.Frame{Seq: 1})
	require.Error(t, err, "write to a closed worker fails")
	assert.Equal(t, 2*time.Second, s.backoff)

	now = now.Add(time.Second)
	_, err = s.Detect(context.Background(), capture.Frame{Seq: 2})
	assert.ErrorIs(t, err, ErrWorkerDead)
	assert.ErrorContains(t, err, "model missing")
	assert.Equal(t, 1, dials)
	assert.Equal(t, now.Add(2*time.Second), s.retryAt)
	assert.Equal(t, 4*time.Second, s.backoff)

	require.NoError(t, s.Close())
	now = now.Add(time.Hour)
	_, err = s.Detect(context.Background(), capture.Frame{Seq: 3})
	assert.ErrorIs(t, err, ErrWorkerDead)
	assert.Equal(t, 1, dials, "no restart after Close")
}

func TestSubprocessTimeoutMarksWorkerDead(t *testing.T) {
	reqR, reqW := io.Pipe()
	go io.Copy(io.Discard, reqR)
	respR, _ := io.Pipe()

	s := NewSubprocessConn(reqW, respR, 0, 20*time.Millisecond)
	_, err := s.Detect(context.Background(), capture.Frame{Seq: 1})
	assert.ErrorContains(t, err, "timed out")

	_, err = s.Detect(context.Background(), capture.Frame{Seq: 2})
	assert.ErrorIs(t, err, ErrWorkerDead)
}

func TestNoneDetector(t *testing.T) {
	d, err := New(config.DetectorConfig{Driver: "none"})
	require.NoError(t, err)
	dets, err := d.Detect(context.Background(), capture.Frame{})
	assert.NoError(t, err)
	assert.Empty(t, dets)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(config.DetectorConfig{Driver: "crystal-ball"})
	assert.Error(t, err)
}

func TestLabelsKeepsDuplicates(t *testing.T) {
	dets := []Detection{{Label: "dog"}, {Label: "dog"}, {Label: "cat"}}
	assert.Equal(t, []string{"dog", "dog", "cat"}, Labels(dets))
}

func TestDecodeYOLOMapsBackToSourceFrame(t *testing.T) {
	labels := []string{"person", "dog"}
	anchors := 3
	out := make([]float32, (4+len(labels))*anchors)
	set := func(row, col int, v float32) { out[row*anchors+col] = v }

	// anchor 0: person at model-space center (32,32) size 16x16
	set(0, 0, 32)
	set(1, 0, 32)
	set(2, 0, 16)
	set(3, 0, 16)
	set(4, 0, 0.9)
	// anchor 1: overlapping, weaker person; suppressed by NMS
	set(0, 1, 33)
	set(1, 1, 33)
	set(2, 1, 16)
	set(3, 1, 16)
	set(4, 1, 0.6)
	// anchor 2: below threshold
	set(5, 2, 0.1)

	// 128x64 source letterboxed into 64x64: scale 0.5, padY 16
	lb := letterbox{scale: 0.5, padX: 0, padY: 16, srcW: 128, srcH: 64}
	dets := decodeYOLO(out, anchors, labels, 0.5, lb)

	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].Label)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	assert.Equal(t, BoundingBox{X: 48, Y: 16, W: 32, H: 32}, dets[0].Box)
}

func TestNMSKeepsDistinctLabels(t *testing.T) {
	box := BoundingBox{X: 0, Y: 0, W: 10, H: 10}
	dets := nms([]Detection{
		{Label: "dog", Confidence: 0.7, Box: box},
		{Label: "cat", Confidence: 0.8, Box: box},
		{Label: "dog", Confidence: 0.9, Box: box},
	}, 0.45)

	require.Len(t, dets, 2)
	assert.Equal(t, "dog", dets[0].Label)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-9)
	assert.Equal(t, "cat", dets[1].Label)
}

func TestLetterboxPadsShortSide(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 50))
	for y := range 50 {
		for x := range 100 {
			src.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	dst, lb := letterboxImage(src, 64)

	assert.InDelta(t, 0.64, lb.scale, 1e-9)
	assert.Equal(t, 16.0, lb.padY)
	assert.Equal(t, color.RGBA{R: 114, G: 114, B: 114, A: 255}, dst.RGBAAt(0, 0))
	assert.Equal(t, uint8(255), dst.RGBAAt(32, 32).R)

	chw := toCHW(dst)
	assert.Len(t, chw, 3*64*64)
}
