package compat

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestVideoFeed(t *testing.T) {
	client := newLiveClient(t)
	resp := client.getResponse(t, "/video_feed")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /video_feed status = %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "multipart/x-mixed-replace") ||
		!strings.Contains(contentType, "boundary=frame") {
		t.Fatalf("GET /video_feed content-type = %q", contentType)
	}

	// A frame or the idle placeholder arrives within a few seconds.
	part, err := multipart.NewReader(resp.Body, "frame").NextPart()
	if err != nil {
		t.Fatalf("read first part: %v", err)
	}
	if part.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("part content-type = %q", part.Header.Get("Content-Type"))
	}
	soi := make([]byte, 2)
	if _, err := part.Read(soi); err != nil || soi[0] != 0xFF || soi[1] != 0xD8 {
		t.Fatalf("part is not a JPEG: %x (%v)", soi, err)
	}
}

func TestUpdatesStreamStartsWithStatus(t *testing.T) {
	client := newLiveClient(t)
	event, headers, err := readSSEEvent(client.baseURL+"/api/updates/stream", 3*time.Second)
	if err != nil {
		t.Fatalf("updates stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("updates stream content-type = %q", headers.Get("Content-Type"))
	}
	if headers.Get("X-Content-Format") != "application/json" {
		t.Fatalf("X-Content-Format = %q", headers.Get("X-Content-Format"))
	}
	if event.name != "status" {
		t.Fatalf("first event = %q, want status", event.name)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	assertStatusPayload(t, payload)
}
