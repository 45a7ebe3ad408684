package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding an optional YAML config path.
const EnvConfigPath = "HOME_MONITOR_CONFIG"

// Duration is a time.Duration that reads from YAML strings such as "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config represents the complete home monitor configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Sampling   SamplingConfig   `yaml:"sampling"`
	Capture    CaptureConfig    `yaml:"capture"`
	Detector   DetectorConfig   `yaml:"detector"`
	Render     RenderConfig     `yaml:"render"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Digest     DigestConfig     `yaml:"digest"`
	WebRTC     WebRTCConfig     `yaml:"webrtc"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	AssetsDir       string   `yaml:"assets_dir"`
	RecordingsDir   string   `yaml:"recordings_dir"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	PprofAddr       string   `yaml:"pprof_addr"` // empty disables pprof
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
	Color  bool   `yaml:"color"`
}

// SamplingConfig controls window aggregation
type SamplingConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	LogCapacity     int `yaml:"log_capacity"`
}

// CaptureConfig selects and tunes the frame source
type CaptureConfig struct {
	Driver   string `yaml:"driver"` // synthetic, mjpeg, gst
	URL      string `yaml:"url"`    // mjpeg endpoint or rtsp url
	Device   string `yaml:"device"` // v4l2 device for gst
	Pipeline string `yaml:"pipeline"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	FPS      int    `yaml:"fps"`
}

// DetectorConfig selects and tunes the detector
type DetectorConfig struct {
	Driver      string   `yaml:"driver"` // none, subprocess, onnx
	Command     []string `yaml:"command"`
	ModelPath   string   `yaml:"model_path"`
	LibraryPath string   `yaml:"library_path"` // onnxruntime shared library
	Labels      []string `yaml:"labels"`
	InputSize   int      `yaml:"input_size"`
	Confidence  float64  `yaml:"confidence"`
	Timeout     Duration `yaml:"timeout"`
}

// RenderConfig controls annotated frame output
type RenderConfig struct {
	MaxWidth int `yaml:"max_width"` // 0 keeps source width
	Quality  int `yaml:"quality"`
}

// SummarizerConfig contains language model settings
type SummarizerConfig struct {
	APIKey           string   `yaml:"-"`
	BaseURL          string   `yaml:"base_url"`
	Model            string   `yaml:"model"`
	MaxTokens        int      `yaml:"max_tokens"`
	Timeout          Duration `yaml:"timeout"`
	BreakerThreshold int      `yaml:"breaker_threshold"` // 0 disables the breaker
	BreakerCooldown  Duration `yaml:"breaker_cooldown"`
}

// SinksConfig contains event sink settings; each sink is enabled by its address.
type SinksConfig struct {
	BusSize  int            `yaml:"bus_size"`
	Timeout  Duration       `yaml:"timeout"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// RedisConfig contains Redis analytics settings
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	KeyTTL   Duration `yaml:"key_ttl"`
}

// PostgresConfig contains event archive settings
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	RestoreLimit int    `yaml:"restore_limit"` // events seeded into the log at start-up
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// WebhookConfig contains webhook notification settings
type WebhookConfig struct {
	URL          string   `yaml:"url"`
	Secret       string   `yaml:"secret"`
	NotifyLabels []string `yaml:"notify_labels"`
}

// DigestConfig schedules periodic summaries; an empty schedule disables it.
type DigestConfig struct {
	Schedule string   `yaml:"schedule"`
	Lookback Duration `yaml:"lookback"`
}

// WebRTCConfig contains data channel settings
type WebRTCConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ICEServers []string `yaml:"ice_servers"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":5000",
			AssetsDir:       "./web_assets",
			RecordingsDir:   "./recordings",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text", Color: true},
		Sampling: SamplingConfig{
			IntervalSeconds: 5,
			LogCapacity:     1000,
		},
		Capture: CaptureConfig{
			Driver: "synthetic",
			Device: "/dev/video0",
			Width:  640,
			Height: 480,
			FPS:    10,
		},
		Detector: DetectorConfig{
			Driver:     "none",
			InputSize:  640,
			Confidence: 0.5,
			Timeout:    Duration(2 * time.Second),
		},
		Render: RenderConfig{Quality: 80},
		Summarizer: SummarizerConfig{
			Model:            "gpt-3.5-turbo",
			MaxTokens:        200,
			Timeout:          Duration(30 * time.Second),
			BreakerThreshold: 3,
			BreakerCooldown:  Duration(time.Minute),
		},
		Sinks: SinksConfig{
			BusSize: 100,
			Timeout: Duration(5 * time.Second),
			Redis:   RedisConfig{KeyTTL: Duration(7 * 24 * time.Hour)},
			Postgres: PostgresConfig{
				RestoreLimit: 1000,
			},
			MQTT: MQTTConfig{
				Topic:    "home-monitor/events",
				ClientID: "home-monitor",
				QoS:      1,
			},
		},
		Digest: DigestConfig{Lookback: Duration(time.Hour)},
		WebRTC: WebRTCConfig{
			Enabled:    true,
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Load builds a Config from defaults, the optional YAML file at path and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse overlays YAML data onto cfg.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overlays OPENAI_API_KEY and HOME_MONITOR_* variables onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	cfg.Summarizer.APIKey = getenv("OPENAI_API_KEY")

	strs := map[string]*string{
		"HOME_MONITOR_ADDR":             &cfg.Server.Addr,
		"HOME_MONITOR_ASSETS_DIR":       &cfg.Server.AssetsDir,
		"HOME_MONITOR_RECORDINGS_DIR":   &cfg.Server.RecordingsDir,
		"HOME_MONITOR_LOG_LEVEL":        &cfg.Log.Level,
		"HOME_MONITOR_LOG_FORMAT":       &cfg.Log.Format,
		"HOME_MONITOR_CAPTURE_DRIVER":   &cfg.Capture.Driver,
		"HOME_MONITOR_CAPTURE_URL":      &cfg.Capture.URL,
		"HOME_MONITOR_DETECTOR_DRIVER":  &cfg.Detector.Driver,
		"HOME_MONITOR_MODEL_PATH":       &cfg.Detector.ModelPath,
		"HOME_MONITOR_OPENAI_BASE_URL":  &cfg.Summarizer.BaseURL,
		"HOME_MONITOR_OPENAI_MODEL":     &cfg.Summarizer.Model,
		"HOME_MONITOR_REDIS_ADDR":       &cfg.Sinks.Redis.Addr,
		"HOME_MONITOR_DATABASE_URL":     &cfg.Sinks.Postgres.DSN,
		"HOME_MONITOR_MQTT_BROKER":      &cfg.Sinks.MQTT.Broker,
		"HOME_MONITOR_WEBHOOK_URL":      &cfg.Sinks.Webhook.URL,
		"HOME_MONITOR_WEBHOOK_SECRET":   &cfg.Sinks.Webhook.Secret,
		"HOME_MONITOR_DIGEST_SCHEDULE":  &cfg.Digest.Schedule,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	if v := getenv("HOME_MONITOR_INTERVAL"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("HOME_MONITOR_INTERVAL %q: %w", v, err)
		}
		cfg.Sampling.IntervalSeconds = n
	}
	if v := getenv("HOME_MONITOR_NOTIFY_LABELS"); v != "" {
		cfg.Sinks.Webhook.NotifyLabels = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for values the rest of the program cannot handle.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Sampling.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("sampling.interval_seconds must be positive, got %d", c.Sampling.IntervalSeconds))
	}
	if c.Sampling.LogCapacity <= 0 {
		errs = append(errs, fmt.Errorf("sampling.log_capacity must be positive, got %d", c.Sampling.LogCapacity))
	}

	switch c.Capture.Driver {
	case "synthetic":
	case "mjpeg":
		if c.Capture.URL == "" {
			errs = append(errs, errors.New("capture.url is required for the mjpeg driver"))
		}
	case "gst":
		if c.Capture.URL == "" && c.Capture.Device == "" && c.Capture.Pipeline == "" {
			errs = append(errs, errors.New("capture.url, capture.device or capture.pipeline is required for the gst driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown capture.driver %q", c.Capture.Driver))
	}

	switch c.Detector.Driver {
	case "none":
	case "subprocess":
		if len(c.Detector.Command) == 0 {
			errs = append(errs, errors.New("detector.command is required for the subprocess driver"))
		}
	case "onnx":
		if c.Detector.ModelPath == "" {
			errs = append(errs, errors.New("detector.model_path is required for the onnx driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown detector.driver %q", c.Detector.Driver))
	}
	if c.Detector.Confidence < 0 || c.Detector.Confidence > 1 {
		errs = append(errs, fmt.Errorf("detector.confidence must be within [0,1], got %v", c.Detector.Confidence))
	}

	if c.Render.Quality < 1 || c.Render.Quality > 100 {
		errs = append(errs, fmt.Errorf("render.quality must be within [1,100], got %d", c.Render.Quality))
	}
	if c.Summarizer.Timeout <= 0 {
		errs = append(errs, errors.New("summarizer.timeout must be positive"))
	}
	if c.Sinks.BusSize <= 0 {
		errs = append(errs, fmt.Errorf("sinks.bus_size must be positive, got %d", c.Sinks.BusSize))
	}
	if c.Sinks.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("sinks.mqtt.qos must be 0, 1 or 2, got %d", c.Sinks.MQTT.QoS))
	}
	if c.Digest.Schedule != "" && c.Digest.Lookback <= 0 {
		errs = append(errs, errors.New("digest.lookback must be positive when a schedule is set"))
	}

	return errors.Join(errs...)
}
