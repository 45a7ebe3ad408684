package detect

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/logger"
)

// maxMessageSize bounds a single worker response.
const maxMessageSize = 16 << 20

// ErrWorkerDead is returned while no usable worker stream is available.
var ErrWorkerDead = errors.New("detect: worker is not running")

const (
	restartBackoff    = time.Second
	maxRestartBackoff = 30 * time.Second
)

type workerRequest struct {
	Seq       uint64 `msgpack:"seq"`
	Timestamp string `msgpack:"timestamp"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	FrameData []byte `msgpack:"frame_data"`
}

type workerResponse struct {
	Seq        uint64      `msgpack:"seq"`
	Detections []Detection `msgpack:"detections"`
	Error      string      `msgpack:"error"`
}

// workerConn is one live worker stream. stop releases it and unblocks any
// pending read.
type workerConn struct {
	stdin  io.WriteCloser
	stdout io.Reader
	stop   func()
}

// Subprocess talks to an external detector worker over stdin/stdout using
// 4-byte big-endian length-prefixed msgpack messages. One request is in
// flight at a time. After a timeout or stream error the worker is stopped
// and, when a dial function is set, started again with exponential backoff.
type Subprocess struct {
	dial          func() (*workerConn, error)
	minConfidence float64
	timeout       time.Duration
	clock         func() time.Time

	mu         sync.Mutex
	conn       *workerConn
	closed     bool
	retryAt    time.Time
	backoff    time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
}

// StartSubprocess launches command and returns a detector bound to it.
// The same command is used for restarts.
func StartSubprocess(command []string, minConfidence float64, timeout time.Duration) (*Subprocess, error) {
	if len(command) == 0 {
		return nil, errors.New("detect: empty worker command")
	}
	dial := func() (*workerConn, error) { return startWorker(command) }
	conn, err := dial()
	if err != nil {
		return nil, err
	}
	s := newSubprocess(conn, dial, minConfidence, timeout)
	return s, nil
}

func startWorker(command []string) (*workerConn, error) {
	cmd := exec.Command(command[0], command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("detect: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("detect: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("detect: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("detect: start worker %q: %w", command[0], err)
	}

	pid := cmd.Process.Pid
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("DetectWorker", "%s", scanner.Text())
		}
	}()
	go func() {
		err := cmd.Wait()
		logger.Info("DetectWorker", "Worker pid=%d exited: %v", pid, err)
	}()

	logger.Info("Detect", "Started worker pid=%d: %v", pid, command)
	return &workerConn{
		stdin:  stdin,
		stdout: stdout,
		stop: func() {
			_ = stdin.Close()
			_ = cmd.Process.Kill()
		},
	}, nil
}

// NewSubprocessConn wraps an already-connected worker stream. It is not
// restarted once it fails.
func NewSubprocessConn(w io.WriteCloser, r io.Reader, minConfidence float64, timeout time.Duration) *Subprocess {
	conn := &workerConn{stdin: w, stdout: r, stop: func() { _ = w.Close() }}
	return newSubprocess(conn, nil, minConfidence, timeout)
}

func newSubprocess(conn *workerConn, dial func() (*workerConn, error), minConfidence float64, timeout time.Duration) *Subprocess {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Subprocess{
		dial:          dial,
		minConfidence: minConfidence,
		timeout:       timeout,
		clock:         time.Now,
		conn:          conn,
		backoff:       restartBackoff,
		minBackoff:    restartBackoff,
		maxBackoff:    maxRestartBackoff,
	}
}

// Detect sends frame to the worker and waits for its answer.
func (s *Subprocess) Detect(ctx context.Context, frame capture.Frame) ([]Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnLocked(); err != nil {
		return nil, err
	}
	conn := s.conn

	payload, err := msgpack.Marshal(workerRequest{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
		Width:     frame.Width,
		Height:    frame.Height,
		FrameData: frame.JPEG,
	})
	if err != nil {
		return nil, fmt.Errorf("detect: marshal request: %w", err)
	}

	type result struct {
		resp workerResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := writeMessage(conn.stdin, payload); err != nil {
			done <- result{err: err}
			return
		}
		var resp workerResponse
		err := readMessage(conn.stdout, &resp)
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			s.failLocked(r.err)
			return nil, r.err
		}
		s.backoff = s.minBackoff
		if r.resp.Error != "" {
			return nil, fmt.Errorf("detect: worker error on frame %d: %s", frame.Seq, r.resp.Error)
		}
		return FilterConfidence(r.resp.Detections, s.minConfidence), nil
	case <-timer.C:
		// The stream position is unknown after an abandoned exchange.
		err := fmt.Errorf("detect: worker timed out after %s", s.timeout)
		s.failLocked(err)
		return nil, err
	case <-ctx.Done():
		s.failLocked(ctx.Err())
		return nil, ctx.Err()
	}
}

// ensureConnLocked restarts the worker once its backoff has elapsed.
func (s *Subprocess) ensureConnLocked() error {
	if s.closed {
		return ErrWorkerDead
	}
	if s.conn != nil {
		return nil
	}
	if s.dial == nil || s.clock().Before(s.retryAt) {
		return ErrWorkerDead
	}
	conn, err := s.dial()
	if err != nil {
		s.scheduleRestartLocked(err)
		return fmt.Errorf("%w: %v", ErrWorkerDead, err)
	}
	s.conn = conn
	return nil
}

// failLocked stops the current worker, which also ends the abandoned reader.
func (s *Subprocess) failLocked(cause error) {
	if s.conn != nil {
		s.conn.stop()
		s.conn = nil
	}
	s.scheduleRestartLocked(cause)
}

func (s *Subprocess) scheduleRestartLocked(cause error) {
	if s.dial == nil {
		logger.Warn("Detect", "Worker stopped: %v", cause)
		return
	}
	s.retryAt = s.clock().Add(s.backoff)
	logger.Warn("Detect", "Worker stopped, restarting in %s: %v", s.backoff, cause)
	s.backoff = min(2*s.backoff, s.maxBackoff)
}

// Close stops the worker. Detect returns ErrWorkerDead afterwards.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		s.conn.stop()
		s.conn = nil
	}
	return nil
}

func writeMessage(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("detect: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("detect: write payload: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("detect: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("detect: worker message of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("detect: read payload: %w", err)
	}
	if err := msgpack.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("detect: unmarshal response: %w", err)
	}
	return nil
}
