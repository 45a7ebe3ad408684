package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/circuitbreaker"
	"github.com/dj-oyu/home-monitor/internal/config"
	"github.com/dj-oyu/home-monitor/internal/detect"
	"github.com/dj-oyu/home-monitor/internal/digest"
	"github.com/dj-oyu/home-monitor/internal/logger"
	"github.com/dj-oyu/home-monitor/internal/metrics"
	"github.com/dj-oyu/home-monitor/internal/monitor"
	"github.com/dj-oyu/home-monitor/internal/recorder"
	"github.com/dj-oyu/home-monitor/internal/render"
	"github.com/dj-oyu/home-monitor/internal/sinks"
	"github.com/dj-oyu/home-monitor/internal/summarizer"
	"github.com/dj-oyu/home-monitor/internal/timequery"
	"github.com/dj-oyu/home-monitor/internal/webmonitor"
	"github.com/dj-oyu/home-monitor/internal/webrtc"
)

var (
	configPath    = flag.String("config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	httpAddr      = flag.String("http", "", "HTTP server address")
	pprofAddr     = flag.String("pprof", "", "pprof server address (empty disables)")
	assetsDir     = flag.String("assets", "", "Web assets directory")
	recordPath    = flag.String("record-path", "", "Recording output path")
	interval      = flag.Int("interval", 0, "Sampling interval in seconds")
	captureDriver = flag.String("capture", "", "Frame source (synthetic, mjpeg, gst)")
	captureURL    = flag.String("capture-url", "", "MJPEG endpoint or RTSP URL")
	detectorName  = flag.String("detector", "", "Detector (none, subprocess, onnx)")
	logLevel      = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logFormat     = flag.String("log-format", "", "Log format (text, json)")
	logColor      = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	format, err := logger.ParseFormat(cfg.Log.Format)
	if err != nil {
		log.Fatalf("Invalid log format: %v", err)
	}
	logger.InitWithFormat(level, os.Stderr, cfg.Log.Color, format)

	logger.Info("Main", "Home monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}
	if err := app.Start(); err != nil {
		log.Fatalf("Failed to start app: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("Main", "Received %s, shutting down...", sig)
	case err := <-app.httpErr:
		logger.Error("Main", "HTTP server error: %v", err)
	}

	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Home monitor stopped")
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.Server.Addr = *httpAddr
		case "pprof":
			cfg.Server.PprofAddr = *pprofAddr
		case "assets":
			cfg.Server.AssetsDir = *assetsDir
		case "record-path":
			cfg.Server.RecordingsDir = *recordPath
		case "interval":
			cfg.Sampling.IntervalSeconds = *interval
		case "capture":
			cfg.Capture.Driver = *captureDriver
		case "capture-url":
			cfg.Capture.URL = *captureURL
		case "detector":
			cfg.Detector.Driver = *detectorName
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "log-color":
			cfg.Log.Color = *logColor
		}
	})
}

// App owns every long-lived component of the monitor.
type App struct {
	cfg     config.Config
	metrics *metrics.Metrics

	source   capture.Source
	detector detect.Detector
	loop     *monitor.Loop
	web      *webmonitor.Server
	webrtc   *webrtc.Server
	recorder *recorder.Recorder
	bus      *sinks.Bus
	digest   *digest.Job

	redis    *redis.Client
	postgres *sinks.PostgresStore
	mqtt     mqtt.Client

	httpServer *http.Server
	httpErr    chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp builds and wires the components selected by cfg.
func NewApp(cfg config.Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:     cfg,
		metrics: metrics.New(),
		httpErr: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	if err := a.build(); err != nil {
		a.closeComponents()
		cancel()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg
	a.metrics.IntervalSecs.Store(uint64(cfg.Sampling.IntervalSeconds))

	source, err := capture.New(cfg.Capture)
	if err != nil {
		return fmt.Errorf("failed to open frame source: %w", err)
	}
	a.source = source

	detector, err := detect.New(cfg.Detector)
	if err != nil {
		return fmt.Errorf("failed to start detector: %w", err)
	}
	a.detector = detector

	aggregator, err := monitor.NewAggregator(cfg.Sampling.IntervalSeconds, nil)
	if err != nil {
		return err
	}
	eventLog := monitor.NewEventLog(cfg.Sampling.LogCapacity)

	sinkList, err := a.connectSinks()
	if err != nil {
		return err
	}
	if a.postgres != nil {
		a.restoreEvents(eventLog)
	}

	a.loop = monitor.NewLoop(monitor.LoopConfig{
		Source:     source,
		Detector:   detector,
		Renderer:   render.New(render.Options{MaxWidth: cfg.Render.MaxWidth, Quality: cfg.Render.Quality, Stats: true}),
		Aggregator: aggregator,
		Log:        eventLog,
		Metrics:    a.metrics,
	})

	breaker := circuitbreaker.New(cfg.Summarizer.BreakerThreshold, cfg.Summarizer.BreakerCooldown.D())
	sum := summarizer.New(summarizer.Config{
		APIKey:    cfg.Summarizer.APIKey,
		BaseURL:   cfg.Summarizer.BaseURL,
		Model:     cfg.Summarizer.Model,
		MaxTokens: cfg.Summarizer.MaxTokens,
		Timeout:   cfg.Summarizer.Timeout.D(),
		Breaker:   breaker,
		Metrics:   a.metrics,
	})
	if cfg.Summarizer.APIKey == "" {
		logger.Warn("Main", "OPENAI_API_KEY is not set, queries will report a summary error")
	}

	a.recorder = recorder.NewRecorder(cfg.Server.RecordingsDir, a.metrics)

	deps := webmonitor.Deps{
		Aggregator: aggregator,
		Log:        eventLog,
		Summarizer: sum,
		Parser:     timequery.New(),
		Loop:       a.loop,
		Recorder:   a.recorder,
		Metrics:    a.metrics,
	}
	if cfg.WebRTC.Enabled {
		a.webrtc = webrtc.NewServer(cfg.WebRTC.ICEServers, 0, a.metrics)
		deps.WebRTC = a.webrtc
	}
	if len(sinkList) > 0 {
		a.bus = sinks.NewBus(cfg.Sinks.BusSize, cfg.Sinks.Timeout.D(), a.metrics, sinkList...)
		deps.Sinks = a.bus
	}

	webCfg := webmonitor.DefaultConfig()
	webCfg.AssetsDir = cfg.Server.AssetsDir
	webCfg.QueryTimeout = cfg.Summarizer.Timeout.D() + 5*time.Second
	webCfg.Width = cfg.Capture.Width
	webCfg.Height = cfg.Capture.Height
	a.web = webmonitor.NewServer(webCfg, deps)

	a.loop.AddFrameSink(a.web)
	a.loop.AddFrameSink(a.recorder)
	a.loop.AddWindowSink(a.web)
	if a.webrtc != nil {
		a.loop.AddWindowSink(a.webrtc)
	}
	if a.bus != nil {
		a.loop.AddWindowSink(a.bus)
	}

	if cfg.Digest.Schedule != "" {
		var notifier digest.Notifier
		for _, s := range sinkList {
			if w, ok := s.(*sinks.WebhookSink); ok {
				notifier = w
			}
		}
		a.digest, err = digest.New(digest.Config{
			Schedule: cfg.Digest.Schedule,
			Lookback: cfg.Digest.Lookback.D(),
			Timeout:  cfg.Summarizer.Timeout.D() + cfg.Sinks.Timeout.D(),
		}, eventLog, sum, notifier, a.metrics)
		if err != nil {
			return err
		}
	}

	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.web.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// connectSinks dials every configured sink. The first failure aborts start-up.
func (a *App) connectSinks() ([]sinks.Sink, error) {
	cfg := a.cfg.Sinks
	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()

	var list []sinks.Sink
	if cfg.Redis.Addr != "" {
		sink, client, err := sinks.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyTTL.D())
		if err != nil {
			return nil, err
		}
		a.redis = client
		list = append(list, sink)
		logger.Info("Main", "Redis analytics: %s", cfg.Redis.Addr)
	}
	if cfg.Postgres.DSN != "" {
		store, err := sinks.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.postgres = store
		list = append(list, store)
		logger.Info("Main", "Postgres event archive enabled")
	}
	if cfg.MQTT.Broker != "" {
		sink, client, err := sinks.ConnectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, cfg.MQTT.QoS)
		if err != nil {
			return nil, err
		}
		a.mqtt = client
		list = append(list, sink)
		logger.Info("Main", "MQTT: %s topic %s", cfg.MQTT.Broker, cfg.MQTT.Topic)
	}
	if cfg.Webhook.URL != "" {
		breaker := circuitbreaker.New(a.cfg.Summarizer.BreakerThreshold, a.cfg.Summarizer.BreakerCooldown.D())
		list = append(list, sinks.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.NotifyLabels,
			&http.Client{Timeout: cfg.Timeout.D()}, breaker))
		logger.Info("Main", "Webhook notifications: %s (labels: %v)", cfg.Webhook.URL, cfg.Webhook.NotifyLabels)
	}
	return list, nil
}

// restoreEvents seeds the in-memory log from the archive. Failures only cost history.
func (a *App) restoreEvents(eventLog *monitor.EventLog) {
	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()

	limit := a.cfg.Sinks.Postgres.RestoreLimit
	if limit <= 0 || limit > eventLog.Cap() {
		limit = eventLog.Cap()
	}
	events, err := a.postgres.Recent(ctx, time.Time{}, limit)
	if err != nil {
		logger.Warn("Main", "Failed to restore events: %v", err)
		return
	}
	eventLog.Restore(events)
	a.metrics.EventLogLength.Store(uint64(eventLog.Len()))
	logger.Info("Main", "Restored %d events from the archive", len(events))
}

// Start launches the capture loop, background jobs and HTTP servers.
func (a *App) Start() error {
	if err := os.MkdirAll(a.cfg.Server.RecordingsDir, 0755); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}

	a.web.Start()
	if a.bus != nil {
		a.bus.Start()
	}
	if a.digest != nil {
		a.digest.Start()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		// The web server keeps serving history and queries after the source ends.
		if err := a.loop.Run(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Main", "Capture loop stopped: %v", err)
		}
	}()

	if a.cfg.Server.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", a.cfg.Server.PprofAddr)
			if err := http.ListenAndServe(a.cfg.Server.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Listening on %s", a.cfg.Server.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.httpErr <- err
		}
	}()
	return nil
}

// Shutdown stops the HTTP server first so no new work arrives, then the loop
// and every component it feeds.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.D())
	defer cancel()

	a.web.Close()
	err := a.httpServer.Shutdown(ctx)

	a.cancel()
	a.wg.Wait()

	if a.digest != nil {
		a.digest.Stop()
	}
	a.closeComponents()
	return err
}

// closeComponents releases everything build may have opened.
func (a *App) closeComponents() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			logger.Warn("Main", "Failed to finish recording: %v", err)
		}
	}
	if a.webrtc != nil {
		a.webrtc.Close()
	}
	if a.detector != nil {
		a.detector.Close()
	}
	if a.source != nil {
		a.source.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}
