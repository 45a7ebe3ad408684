package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MJPEG reads frames from an HTTP multipart/x-mixed-replace camera stream,
// the format most IP cameras (and this server's own /video_feed) emit.
type MJPEG struct {
	url    string
	client *http.Client

	mu     sync.Mutex // serializes Next
	reader *multipart.Reader
	seq    uint64

	connMu sync.Mutex
	body   io.ReadCloser
	closed bool
}

// NewMJPEG creates a source for url. A nil client uses http.DefaultClient.
func NewMJPEG(url string, client *http.Client) (*MJPEG, error) {
	if url == "" {
		return nil, errors.New("capture: mjpeg url is empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &MJPEG{url: url, client: client}, nil
}

func (m *MJPEG) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return fmt.Errorf("capture: build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("capture: connect %s: %w", m.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("capture: %s returned %s", m.url, resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		resp.Body.Close()
		return fmt.Errorf("capture: %s is not a multipart stream (%q)", m.url, resp.Header.Get("Content-Type"))
	}
	boundary := strings.TrimPrefix(params["boundary"], "--")
	if boundary == "" {
		resp.Body.Close()
		return fmt.Errorf("capture: %s has no multipart boundary", m.url)
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.closed {
		resp.Body.Close()
		return ErrSourceClosed
	}
	m.body = resp.Body
	m.reader = multipart.NewReader(resp.Body, boundary)
	return nil
}

// Next returns the next JPEG part of the stream. The connection is opened
// lazily on the first call and ErrSourceClosed is returned at end of stream.
func (m *MJPEG) Next(ctx context.Context) (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed() {
		return Frame{}, ErrSourceClosed
	}
	if m.reader == nil {
		if err := m.connect(ctx); err != nil {
			return Frame{}, err
		}
	}

	for {
		part, err := m.reader.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) || m.isClosed() {
				return Frame{}, ErrSourceClosed
			}
			return Frame{}, fmt.Errorf("capture: read part: %w", err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "" && ct != "image/jpeg" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return Frame{}, fmt.Errorf("capture: read frame: %w", err)
		}
		if len(data) == 0 {
			continue
		}

		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return Frame{}, fmt.Errorf("capture: frame %d is not a jpeg: %w", m.seq+1, err)
		}
		m.seq++
		return Frame{
			Seq:       m.seq,
			Timestamp: time.Now(),
			Width:     cfg.Width,
			Height:    cfg.Height,
			JPEG:      data,
		}, nil
	}
}

func (m *MJPEG) isClosed() bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	return m.closed
}

// Close drops the connection, unblocking a pending Next.
func (m *MJPEG) Close() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.closed = true
	if m.body != nil {
		return m.body.Close()
	}
	return nil
}
