package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Sampling.IntervalSeconds)
	assert.Equal(t, 1000, cfg.Sampling.LogCapacity)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Summarizer.Model)
	assert.Equal(t, 200, cfg.Summarizer.MaxTokens)
	assert.Equal(t, 30*time.Second, cfg.Summarizer.Timeout.D())
}

func TestParseOverlaysYAML(t *testing.T) {
	cfg := Default()
	data := []byte(`
server:
  addr: ":9000"
sampling:
  interval_seconds: 12
summarizer:
  timeout: 5s
sinks:
  webhook:
    url: http://hooks.local/notify
    notify_labels: [person, dog]
digest:
  schedule: "0 * * * *"
  lookback: 90m
`)
	require.NoError(t, Parse(data, &cfg))

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 12, cfg.Sampling.IntervalSeconds)
	assert.Equal(t, 5*time.Second, cfg.Summarizer.Timeout.D())
	assert.Equal(t, []string{"person", "dog"}, cfg.Sinks.Webhook.NotifyLabels)
	assert.Equal(t, 90*time.Minute, cfg.Digest.Lookback.D())
	// untouched fields keep their defaults
	assert.Equal(t, 1000, cfg.Sampling.LogCapacity)
}

func TestParseRejectsBadDuration(t *testing.T) {
	cfg := Default()
	err := Parse([]byte("summarizer:\n  timeout: soon\n"), &cfg)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{
		"OPENAI_API_KEY":             "sk-test",
		"HOME_MONITOR_INTERVAL":      " 30 ",
		"HOME_MONITOR_REDIS_ADDR":    "localhost:6379",
		"HOME_MONITOR_NOTIFY_LABELS": "person, ,car",
	}))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Summarizer.APIKey)
	assert.Equal(t, 30, cfg.Sampling.IntervalSeconds)
	assert.Equal(t, "localhost:6379", cfg.Sinks.Redis.Addr)
	assert.Equal(t, []string{"person", "car"}, cfg.Sinks.Webhook.NotifyLabels)
}

func TestApplyEnvRejectsNonIntegerInterval(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, envMap(map[string]string{"HOME_MONITOR_INTERVAL": "ten"}))
	assert.Error(t, err)
}

func TestMissingAPIKeyIsNotAnError(t *testing.T) {
	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg, envMap(nil)))
	assert.Empty(t, cfg.Summarizer.APIKey)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"zero interval":        func(c *Config) { c.Sampling.IntervalSeconds = 0 },
		"negative capacity":    func(c *Config) { c.Sampling.LogCapacity = -1 },
		"mjpeg without url":    func(c *Config) { c.Capture.Driver = "mjpeg" },
		"unknown capture":      func(c *Config) { c.Capture.Driver = "vhs" },
		"subprocess no cmd":    func(c *Config) { c.Detector.Driver = "subprocess" },
		"onnx without model":   func(c *Config) { c.Detector.Driver = "onnx" },
		"confidence above one": func(c *Config) { c.Detector.Confidence = 1.5 },
		"bad quality":          func(c *Config) { c.Render.Quality = 0 },
		"bad qos":              func(c *Config) { c.Sinks.MQTT.QoS = 3 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "home-monitor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sampling:\n  interval_seconds: 7\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sampling.IntervalSeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
