package webmonitor

import (
	"path/filepath"
	"time"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	AssetsDir      string
	BuildAssetsDir string
	// FrameIdle is how long the video feed waits before sending a placeholder frame.
	FrameIdle time.Duration
	// KeepAlive is the SSE comment interval on idle update streams.
	KeepAlive      time.Duration
	StatusInterval time.Duration
	// QueryTimeout bounds a single /query_events request, summarization included.
	QueryTimeout  time.Duration
	MaxQueryBytes int64
	Width         int
	Height        int
	// Location is the zone for timestamps accepted by /api/events.
	Location *time.Location
}

// DefaultConfig returns the defaults used by cmd/home_monitor.
func DefaultConfig() Config {
	return Config{
		AssetsDir:      filepath.Clean("./web_assets"),
		BuildAssetsDir: filepath.Clean("./build/web"),
		FrameIdle:      5 * time.Second,
		KeepAlive:      30 * time.Second,
		StatusInterval: 2 * time.Second,
		QueryTimeout:   45 * time.Second,
		MaxQueryBytes:  64 << 10,
		Width:          640,
		Height:         480,
		Location:       time.Local,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FrameIdle <= 0 {
		c.FrameIdle = d.FrameIdle
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.MaxQueryBytes <= 0 {
		c.MaxQueryBytes = d.MaxQueryBytes
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = d.Width, d.Height
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	return c
}
