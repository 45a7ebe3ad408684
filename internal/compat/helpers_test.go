// Package compat checks a running home monitor against its HTTP contract.
// Every test skips unless SPEC_BASE_URL points at a reachable server.
package compat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

const defaultRequestTimeout = 5 * time.Second

type liveClient struct {
	baseURL string
	client  *http.Client
}

func newLiveClient(t *testing.T) *liveClient {
	t.Helper()
	baseURL := strings.TrimRight(os.Getenv("SPEC_BASE_URL"), "/")
	if baseURL == "" {
		t.Skip("SPEC_BASE_URL not set")
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/api/status") {
		t.Skipf("server not reachable at %s", baseURL)
	}

	return &liveClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *liveClient) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *liveClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return c.do(t, req)
}

func (c *liveClient) getResponse(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func (c *liveClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(t, req)
}

func (c *liveClient) postForm(t *testing.T, path string, values url.Values) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(t, req)
}

type sseEvent struct {
	name string
	data string
}

// readSSEEvent returns the first named event of the stream at url.
func readSSEEvent(url string, timeout time.Duration) (sseEvent, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return sseEvent{}, nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return sseEvent{}, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var ev sseEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.name != "" {
				return ev, resp.Header, nil
			}
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return sseEvent{}, nil, fmt.Errorf("read sse: %w", err)
	}
	return sseEvent{}, nil, fmt.Errorf("sse stream closed before event")
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertFrameDetections(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireNumber(t, payload["seq"], field+".seq")
	requireString(t, payload["timestamp"], field+".timestamp")
	detections := requireSlice(t, payload["detections"], field+".detections")
	for i, raw := range detections {
		det := requireMap(t, raw, fmt.Sprintf("%s.detections[%d]", field, i))
		requireString(t, det["label"], "detections.label")
		requireNumber(t, det["confidence"], "detections.confidence")
		box := requireMap(t, det["bbox"], "detections.bbox")
		for _, k := range []string{"x", "y", "w", "h"} {
			requireNumber(t, box[k], "detections.bbox."+k)
		}
	}
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	if requireNumber(t, payload["interval_seconds"], "interval_seconds") <= 0 {
		t.Fatalf("interval_seconds must be positive")
	}
	requireString(t, payload["window_start"], "window_start")
	requireSlice(t, payload["current_labels"], "current_labels")
	requireMap(t, payload["total_object_counts"], "total_object_counts")
	requireNumber(t, payload["event_log_size"], "event_log_size")
	requireNumber(t, payload["event_log_capacity"], "event_log_capacity")
	requireNumber(t, payload["timestamp"], "timestamp")

	stream := requireMap(t, payload["stream"], "stream")
	requireNumber(t, stream["frames_published"], "stream.frames_published")
	requireNumber(t, stream["current_fps"], "stream.current_fps")
	requireNumber(t, stream["clients"], "stream.clients")

	if payload["latest_detection"] != nil {
		assertFrameDetections(t, requireMap(t, payload["latest_detection"], "latest_detection"), "latest_detection")
	}
	history := requireSlice(t, payload["detection_history"], "detection_history")
	for i, raw := range history {
		field := fmt.Sprintf("detection_history[%d]", i)
		assertFrameDetections(t, requireMap(t, raw, field), field)
	}
}
