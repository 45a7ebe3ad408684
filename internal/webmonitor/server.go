// Package webmonitor serves the home monitor UI, the annotated video feed,
// push updates and the event query API.
package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/home-monitor/internal/capture"
	"github.com/dj-oyu/home-monitor/internal/detect"
	"github.com/dj-oyu/home-monitor/internal/logger"
	"github.com/dj-oyu/home-monitor/internal/metrics"
	"github.com/dj-oyu/home-monitor/internal/monitor"
	"github.com/dj-oyu/home-monitor/internal/render"
	"github.com/dj-oyu/home-monitor/internal/sinks"
	"github.com/dj-oyu/home-monitor/internal/timequery"
	"github.com/dj-oyu/home-monitor/internal/webrtc"
)

// NoQueryMessage answers a query request without a query.
const NoQueryMessage = "No query provided. Please ask a question about events."

// Summarizer answers a query over the selected events. It never fails;
// problems are reported in the returned text.
type Summarizer interface {
	Summarize(ctx context.Context, events []monitor.Event, start, end string) string
}

// OfferHandler negotiates WebRTC data-channel sessions.
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
	GetClientCount() int
	GetClientStats() map[string]map[string]uint64
}

// SinkStatser reports event sink delivery counters.
type SinkStatser interface {
	Stats() sinks.BusStats
}

// LoopStatser reports capture loop progress.
type LoopStatser interface {
	Stats() monitor.LoopStats
}

// Deps are the collaborators the server reads from and drives.
type Deps struct {
	Aggregator *monitor.Aggregator
	Log        *monitor.EventLog
	Summarizer Summarizer
	Parser     *timequery.Parser // nil uses timequery.New()
	Loop       LoopStatser       // optional
	Recorder   Recorder          // optional
	WebRTC     OfferHandler      // optional
	Sinks      SinkStatser       // optional
	Metrics    *metrics.Metrics  // nil uses a private registry
}

// Server serves the web monitor endpoints. It is also the frame and window
// sink of the capture loop.
type Server struct {
	cfg         Config
	deps        Deps
	monitor     *Monitor
	frames      *FrameBroadcaster
	updates     *UpdateBroadcaster
	placeholder []byte

	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer returns a configured monitor server.
func NewServer(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	if deps.Parser == nil {
		deps.Parser = timequery.New(timequery.WithLocation(cfg.Location))
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	mon := NewMonitor()
	return &Server{
		cfg:         cfg,
		deps:        deps,
		monitor:     mon,
		frames:      NewFrameBroadcaster(mon, deps.Metrics),
		updates:     NewUpdateBroadcaster(16, deps.Metrics),
		placeholder: render.Placeholder(cfg.Width, cfg.Height),
		stop:        make(chan struct{}),
	}
}

// Start begins the periodic status push.
func (s *Server) Start() {
	go s.runStatus()
}

// Close stops background work and disconnects streaming clients.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.frames.Close()
		s.updates.Close()
	})
}

// PublishFrame implements monitor.FrameSink.
func (s *Server) PublishFrame(frame capture.Frame, annotated []byte, dets []detect.Detection) {
	s.frames.PublishFrame(frame, annotated, dets)
}

// PublishWindow implements monitor.WindowSink.
func (s *Server) PublishWindow(report monitor.WindowReport) {
	s.updates.PublishWindow(report)
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	assetHandler := newAssetHandler(s.cfg.BuildAssetsDir, s.cfg.AssetsDir)

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", assetHandler))
	mux.HandleFunc("/video_feed", s.handleVideoFeed)
	mux.HandleFunc("/query_events", s.handleQueryEvents)
	mux.HandleFunc("/set_interval", s.handleSetInterval)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/updates/stream", s.handleUpdatesStream)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.Handle("/metrics", s.deps.Metrics.Handler())

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh, s.placeholder, s.cfg.FrameIdle)
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := s.readQuery(w, r)
	if query == "" {
		writeJSON(w, QueryResponse{Summary: NoQueryMessage})
		return
	}
	logger.Info("Query", "Received query: %q", query)

	rng, err := s.deps.Parser.Parse(query)
	s.deps.Metrics.QueryParsed(err == nil)
	if err != nil {
		logger.Info("Query", "Unrecognized time range in %q", query)
		writeJSON(w, QueryResponse{Summary: timequery.ClarificationMessage})
		return
	}

	start := rng.Start.Format(monitor.TimestampLayout)
	end := rng.End.Format(monitor.TimestampLayout)
	events := s.deps.Log.Query(rng.Start, rng.End)
	logger.Info("Query", "Found %d events between %s and %s", len(events), start, end)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout)
	defer cancel()
	summary := s.deps.Summarizer.Summarize(ctx, events, start, end)
	logger.Debug("Query", "Generated summary: %s", summary)

	writeJSON(w, QueryResponse{Summary: summary})
}

// readQuery accepts a JSON body or a form field. Unreadable bodies count as no query.
func (s *Server) readQuery(w http.ResponseWriter, r *http.Request) string {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxQueryBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		return r.FormValue("query")
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("Query", "Invalid query body: %v", err)
		return ""
	}
	return req.Query
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimSpace(r.FormValue("interval"))
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{
			"error": fmt.Sprintf("interval must be an integer number of seconds, got %q", raw),
		}, http.StatusBadRequest)
		return
	}
	if err := s.deps.Aggregator.SetInterval(seconds); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	s.deps.Metrics.IntervalSecs.Store(uint64(seconds))
	logger.Info("Server", "Sampling frequency updated to %d seconds", seconds)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) status() StatusResponse {
	agg := s.deps.Aggregator
	stream, latest, history := s.monitor.Snapshot()
	stream.Clients = s.frames.ClientCount()

	resp := StatusResponse{
		IntervalSeconds:  agg.IntervalSeconds(),
		WindowStart:      agg.WindowStart().Format(monitor.TimestampLayout),
		CurrentLabels:    agg.CurrentLabels(),
		TotalCounts:      agg.Totals(),
		EventLogSize:     s.deps.Log.Len(),
		EventLogCapacity: s.deps.Log.Cap(),
		Stream:           stream,
		LatestDetection:  latest,
		History:          history,
		UpdateClients:    s.updates.ClientCount(),
		Timestamp:        float64(time.Now().Unix()),
	}
	if s.deps.Loop != nil {
		stats := s.deps.Loop.Stats()
		resp.Loop = &stats
	}
	if s.deps.WebRTC != nil {
		resp.WebRTCClients = s.deps.WebRTC.GetClientCount()
		resp.WebRTCClientStats = s.deps.WebRTC.GetClientStats()
	}
	if s.deps.Sinks != nil {
		stats := s.deps.Sinks.Stats()
		resp.Sinks = &stats
	}
	if s.deps.Recorder != nil {
		rec := s.deps.Recorder.Status()
		resp.Recording = &rec
	}
	return resp
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	start, err := s.parseTime(q.Get("start"), time.Time{})
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid start: " + err.Error()}, http.StatusBadRequest)
		return
	}
	end, err := s.parseTime(q.Get("end"), time.Now())
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid end: " + err.Error()}, http.StatusBadRequest)
		return
	}
	if end.Before(start) {
		writeJSONWithStatus(w, map[string]any{"error": "end is before start"}, http.StatusBadRequest)
		return
	}

	events := s.deps.Log.Query(start, end)
	if events == nil {
		events = []monitor.Event{}
	}
	resp := EventsResponse{
		End:    end.Format(monitor.TimestampLayout),
		Count:  len(events),
		Events: events,
	}
	if !start.IsZero() {
		resp.Start = start.Format(monitor.TimestampLayout)
	}
	writeJSON(w, resp)
}

// parseTime accepts RFC 3339 or "YYYY-MM-DD HH:MM:SS" in the configured location.
func (s *Server) parseTime(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(monitor.TimestampLayout, raw, s.cfg.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or %q, got %q", monitor.TimestampLayout, raw)
	}
	return t, nil
}

func (s *Server) handleUpdatesStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.updates.Subscribe()
	defer s.updates.Unsubscribe(id)

	// Content negotiation based on Accept header
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	initial, err := NewSerializedEvent(EventStatus, s.status())
	if err != nil {
		logger.Error("Server", "Serialize initial status: %v", err)
	}
	streamEventsFromChannel(r.Context(), w, eventCh, useProtobuf, s.cfg.KeepAlive, initial)
}

func (s *Server) runStatus() {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.updates.ClientCount() == 0 {
				continue
			}
			if err := s.updates.Publish(EventStatus, s.status()); err != nil {
				logger.Error("Server", "Publish status: %v", err)
			}
		}
	}
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.WebRTC == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.deps.WebRTC.HandleOffer(body)
	if err != nil {
		logger.Warn("Server", "WebRTC offer failed: %v", err)
		status := http.StatusInternalServerError
		if errors.Is(err, webrtc.ErrTooManyClients) {
			status = http.StatusServiceUnavailable
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
