package webmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/multierr"

	"github.com/dj-oyu/cloud-monitor/internal/api"
	"github.com/dj-oyu/cloud-monitor/internal/camera"
	"github.com/dj-oyu/cloud-monitor/internal/capture"
	"github.com/dj-oyu/cloud-monitor/internal/health"
	"github.com/dj-oyu/cloud-monitor/internal/logger"
	"github.com/dj-oyu/cloud-monitor/internal/metrics"
	"github.com/dj-oyu/cloud-monitor/internal/overlay"
	"github.com/dj-oyu/cloud-monitor/internal/recorder"
	"github.com/dj-oyu/cloud-monitor/internal/views"
	"github.com/dj-oyu/cloud-monitor/pkg/types"
)

const maxUploadBytes = 32 << 20

// Form validation messages.
const (
	msgNeedImage        = "Please select an image to analyze."
	msgNeedCity         = "Please enter a city name."
	msgNeedImageAndCity = "Please select an image and enter a city."
)

// Deps are the collaborators the dashboard drives.
type Deps struct {
	API    api.Service
	Camera camera.Source
	// Health is optional; without it /api/health calls the API directly.
	Health  *health.Monitor
	Metrics *metrics.Metrics
	// Capture configures the live session. Its hooks are owned by the server.
	Capture capture.Options
}

// Server serves the cloud monitor dashboard.
type Server struct {
	cfg      Config
	api      api.Service
	session  *capture.Session
	health   *health.Monitor
	metrics  *metrics.Metrics
	monitor  *Monitor
	renderer *overlay.Renderer
	recorder *recorder.Recorder
	pages    *template.Template

	frames     *FrameBroadcaster
	detections *EventBroadcaster
	status     *StatusBroadcaster
	upgrader   websocket.Upgrader

	lifetime context.Context
	cancel   context.CancelFunc
	frameSeq atomic.Uint64
}

// NewServer wires the live session, broadcasters and recorder.
func NewServer(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	lifetime, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		api:      deps.API,
		health:   deps.Health,
		metrics:  m,
		renderer: overlay.NewRenderer(),
		recorder: recorder.NewRecorder(cfg.RecordingOutputPath, m),
		pages:    pageTemplates,
		frames:   NewFrameBroadcaster(&m.MJPEGClients),
		lifetime: lifetime,
		cancel:   cancel,
	}
	s.detections = NewEventBroadcaster("DetectionBroadcaster", &m.EventClients)
	s.status = NewStatusBroadcaster(cfg.StatusInterval, &m.EventClients, s.statusPayload)
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	opts := deps.Capture
	opts.Metrics = m
	opts.OnResult = s.onResult
	opts.OnSnapshot = s.onSnapshot
	opts.OnFrame = s.onFrame
	opts.OnError = func(msg string, err error) { s.status.Push() }
	opts.OnCountdown = func(int) { s.status.Push() }
	opts.OnState = s.onState
	s.session = capture.NewSession(deps.Camera, deps.API, opts)
	s.monitor = NewMonitor(opts.FPS)

	if deps.Health != nil {
		deps.Health.OnChange(func(*api.HealthStatus) { s.status.Push() })
	}
	return s
}

// Start runs the background status publisher.
func (s *Server) Start() {
	s.status.Start()
}

// Session exposes the live capture session.
func (s *Server) Session() *capture.Session {
	return s.session
}

// Shutdown stops live capture and recording and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := multierr.Combine(
		errors.Wrap(s.session.Close(), "stop live session"),
		errors.Wrap(s.recorder.Close(), "stop recording"),
	)
	s.status.Stop()
	s.detections.Stop()
	s.frames.Stop()
	return err
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	mux.HandleFunc("/detect", s.handleDetect)
	mux.HandleFunc("/weather", s.handleWeather)
	mux.HandleFunc("/forecast", s.handleForecast)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/live/start", s.handleLiveStart)
	mux.HandleFunc("/api/live/stop", s.handleLiveStop)
	mux.HandleFunc("/api/live/status", s.handleLiveStatus)
	mux.HandleFunc("/api/live/overlay", s.handleOverlay)
	mux.HandleFunc("/api/live/overlay.png", s.handleOverlayPNG)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/detections/stream", s.handleDetectionsStream)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/ws/live", s.handleLiveWebSocket)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	mux.Handle("/metrics", s.metrics.Handler())

	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(mux)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Live session hooks.

func (s *Server) onResult(res *api.DetectionResult) {
	result := s.monitor.UpdateDetection(res, s.session.Status().SessionID, time.Now())
	s.detections.Publish(detectionPayload(result))
	s.status.Push()
}

func (s *Server) onSnapshot(img image.Image) {
	if s.frames.ClientCount() == 0 {
		return
	}
	composed := s.renderer.Compose(img, s.monitor.Latest().toAPI(), s.cfg.DisplayWidth, s.cfg.DisplayHeight)
	data, err := capture.EncodeJPEG(composed, s.cfg.StreamQuality)
	if err != nil {
		logger.Warn("WebMonitor", "Encode live frame: %v", err)
		return
	}
	s.frames.Publish(data)
}

func (s *Server) onFrame(f capture.Frame) {
	s.recorder.SendFrame(&types.JPEGFrame{
		Data:      f.Data,
		Filename:  f.Filename,
		Timestamp: f.CapturedAt,
		FrameNum:  s.frameSeq.Add(1),
		Width:     f.Width,
		Height:    f.Height,
	})
}

func (s *Server) onState(st capture.State) {
	if st == capture.Streaming {
		s.monitor.Reset()
	}
	s.status.Push()
}

// Event payloads. Nested values stay map[string]any and []any so the same
// payload encodes as JSON and as a protobuf Struct.

func detectionPayload(r DetectionResult) map[string]any {
	dets := make([]any, len(r.Detections))
	for i, d := range r.Detections {
		dets[i] = map[string]any{
			"class_name": d.ClassName,
			"confidence": d.Confidence,
			"bbox": map[string]any{
				"x": d.BBox.X,
				"y": d.BBox.Y,
				"w": d.BBox.W,
				"h": d.BBox.H,
			},
		}
	}
	return map[string]any{
		"frame_number":   r.FrameNumber,
		"timestamp":      r.Timestamp,
		"session_id":     r.SessionID,
		"filename":       r.Filename,
		"image_width":    r.ImageWidth,
		"image_height":   r.ImageHeight,
		"num_detections": r.NumDetections,
		"version":        r.Version,
		"detections":     dets,
	}
}

func (s *Server) statusPayload() map[string]any {
	st := s.session.Status()
	stats, latest, history := s.monitor.Snapshot()
	live := views.NewLiveView(st)
	rec := s.recorder.GetStatus()
	banner := s.healthBanner()

	var latestPayload any
	if latest != nil {
		latestPayload = detectionPayload(*latest)
	}
	historyPayload := make([]any, len(history))
	for i, h := range history {
		historyPayload[i] = detectionPayload(h)
	}

	return map[string]any{
		"monitor": map[string]any{
			"frames_processed": stats.FramesProcessed,
			"target_fps":       stats.TargetFPS,
			"detection_count":  stats.DetectionCount,
		},
		"live": map[string]any{
			"state":         st.State,
			"streaming":     st.Streaming,
			"session_id":    st.SessionID,
			"camera":        st.Camera,
			"countdown":     st.Countdown,
			"summary":       live.Summary,
			"last_error":    st.LastError,
			"cycles":        st.Cycles,
			"uploads":       st.Uploads,
			"failures":      st.Failures,
			"skipped":       st.Skipped,
			"active_tracks": st.ActiveTracks,
		},
		"latest_detection":  latestPayload,
		"detection_history": historyPayload,
		"recording": map[string]any{
			"recording":     rec.Recording,
			"filename":      rec.Filename,
			"frame_count":   rec.FrameCount,
			"bytes_written": rec.BytesWritten,
			"duration_ms":   rec.DurationMs,
		},
		"health": map[string]any{
			"show":    banner.Show,
			"message": banner.Message,
		},
		"timestamp": float64(time.Now().Unix()),
	}
}

func (s *Server) healthBanner() views.HealthBanner {
	if s.health == nil {
		return views.HealthBanner{}
	}
	return s.health.Banner()
}

// Page handlers.

func (s *Server) newPage(r *http.Request, tab string) pageData {
	return pageData{
		Title:         views.Title,
		Subtitle:      views.Subtitle,
		Footer:        views.Footer,
		Tabs:          views.Tabs,
		Active:        views.ParseTab(tab),
		Banner:        s.healthBanner(),
		City:          r.FormValue("city"),
		Country:       r.FormValue("country"),
		Live:          views.NewLiveView(s.session.Status()),
		DisplayWidth:  s.cfg.DisplayWidth,
		DisplayHeight: s.cfg.DisplayHeight,
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.renderPage(w, s.newPage(r, r.URL.Query().Get("tab")), http.StatusOK)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	page := s.newPage(r, "detection")

	upload, err := readUpload(r)
	if err != nil {
		s.respondError(w, r, page, msgNeedImage, http.StatusBadRequest)
		return
	}

	res, err := s.api.DetectClouds(r.Context(), upload)
	if err != nil {
		logger.Warn("WebMonitor", "Detect %s: %v", upload.Filename, err)
		s.respondError(w, r, page, api.UserMessage(err, views.DetectionErrorMessage), errorStatus(err))
		return
	}

	view := views.NewDetectionView(res.Filename, res.Detection)
	page.Detection = &view
	s.respond(w, r, page, map[string]any{"success": true, "view": view, "result": res})
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	page := s.newPage(r, "weather")
	if strings.TrimSpace(page.City) == "" {
		s.respondError(w, r, page, msgNeedCity, http.StatusBadRequest)
		return
	}

	res, err := s.api.GetWeather(r.Context(), page.City, page.Country)
	if err != nil {
		logger.Warn("WebMonitor", "Weather for %q: %v", page.City, err)
		s.respondError(w, r, page, api.UserMessage(err, views.WeatherErrorMessage), errorStatus(err))
		return
	}

	view := views.NewWeatherView(res.Weather, s.cfg.Location)
	page.Weather = &view
	s.respond(w, r, page, map[string]any{"success": true, "view": view, "result": res})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	page := s.newPage(r, "weather")
	if strings.TrimSpace(page.City) == "" {
		s.respondError(w, r, page, msgNeedCity, http.StatusBadRequest)
		return
	}
	days, _ := strconv.Atoi(r.FormValue("days"))

	res, err := s.api.GetForecast(r.Context(), page.City, page.Country, days)
	if err != nil {
		logger.Warn("WebMonitor", "Forecast for %q: %v", page.City, err)
		s.respondError(w, r, page, api.UserMessage(err, views.WeatherErrorMessage), errorStatus(err))
		return
	}

	view := views.NewForecastView(res)
	page.Forecast = &view
	s.respond(w, r, page, map[string]any{"success": true, "view": view, "result": res.Data})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	page := s.newPage(r, "combined")

	upload, err := readUpload(r)
	if err != nil || strings.TrimSpace(page.City) == "" {
		s.respondError(w, r, page, msgNeedImageAndCity, http.StatusBadRequest)
		return
	}

	res, err := s.api.AnalyzeCombined(r.Context(), upload, page.City, page.Country)
	if err != nil {
		logger.Warn("WebMonitor", "Analyze %s for %q: %v", upload.Filename, page.City, err)
		s.respondError(w, r, page, api.UserMessage(err, views.CombinedErrorMessage), errorStatus(err))
		return
	}

	view := views.NewCombinedView(res, s.cfg.Location)
	page.Combined = &view
	s.respond(w, r, page, map[string]any{"success": true, "view": view, "result": res})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var st *api.HealthStatus
	if s.health != nil {
		st = s.health.Status()
		if st == nil || r.URL.Query().Get("refresh") != "" {
			st = s.health.CheckNow(r.Context())
		}
	} else {
		var err error
		st, err = s.api.Health(r.Context())
		if err != nil {
			logger.Warn("WebMonitor", "Health check failed: %v", err)
			st = &api.HealthStatus{}
		}
	}

	keys := st.MissingKeys
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, map[string]any{
		"healthy":      st.Healthy,
		"missing_keys": keys,
		"banner":       views.NewHealthBanner(st),
	})
}

// Live handlers.

func (s *Server) liveStatus() map[string]any {
	st := s.session.Status()
	return map[string]any{
		"status":    st,
		"view":      views.NewLiveView(st),
		"interval":  s.session.Interval().String(),
		"recording": s.recorder.IsRecording(),
	}
}

func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := s.session.Start(s.lifetime)
	var acqErr *camera.AcquisitionError
	switch {
	case err == nil:
		writeJSON(w, s.liveStatus())
	case errors.Is(err, capture.ErrAlreadyStreaming):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusConflict)
	case errors.As(err, &acqErr):
		writeJSONWithStatus(w, map[string]any{
			"error":  views.CameraErrorMessage,
			"detail": acqErr.Error(),
		}, http.StatusServiceUnavailable)
	default:
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
	}
}

func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.session.Stop(); err != nil {
		logger.Warn("WebMonitor", "Stopping live session: %v", err)
	}
	writeJSON(w, s.liveStatus())
}

func (s *Server) handleLiveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.liveStatus())
}

// displaySize reads width and height from the query, falling back to the
// configured display size.
func (s *Server) displaySize(r *http.Request) (int, int) {
	w, err := strconv.Atoi(r.URL.Query().Get("width"))
	if err != nil || w <= 0 {
		w = s.cfg.DisplayWidth
	}
	h, err := strconv.Atoi(r.URL.Query().Get("height"))
	if err != nil || h <= 0 {
		h = s.cfg.DisplayHeight
	}
	return min(w, 4096), min(h, 4096)
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	width, height := s.displaySize(r)
	latest := s.monitor.Latest()

	boxes := overlay.Layout(latest.toAPI(), float64(width), float64(height))
	if boxes == nil {
		boxes = []overlay.Box{}
	}
	version := 0
	if latest != nil {
		version = latest.Version
	}
	writeJSON(w, map[string]any{
		"width":   width,
		"height":  height,
		"version": version,
		"boxes":   boxes,
	})
}

func (s *Server) handleOverlayPNG(w http.ResponseWriter, r *http.Request) {
	width, height := s.displaySize(r)
	img := s.renderer.Render(s.monitor.Latest().toAPI(), width, height)

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := imaging.Encode(w, img, imaging.PNG); err != nil {
		logger.Debug("WebMonitor", "Overlay write: %v", err)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh)
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.detections.Subscribe()
	defer s.detections.Unsubscribe(id)

	var initial *SerializedEvent
	if latest := s.monitor.Latest(); latest != nil {
		initial, _ = serializeEvent(detectionPayload(*latest))
	}
	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r), initial)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	initial, err := serializeEvent(s.statusPayload())
	if err != nil {
		logger.Error("WebMonitor", "Serialize status: %v", err)
	}
	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r), initial)
}

// Recording handlers.

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename, err := s.recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	s.status.Push()

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename, err := s.recorder.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	s.status.Push()

	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      s.recorder.GetStatus(),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.recorder.GetStatus())
}

// Helpers.

func readUpload(r *http.Request) (api.Upload, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return api.Upload{}, errors.Wrap(err, "parse form")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return api.Upload{}, errors.Wrap(err, "missing file")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return api.Upload{}, errors.Wrap(err, "read file")
	}
	if len(data) == 0 {
		return api.Upload{}, errors.New("empty file")
	}
	return api.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// errorStatus passes client errors from the backend through and reports
// everything else as a bad gateway.
func errorStatus(err error) int {
	var remote *api.RemoteError
	if errors.As(err, &remote) && remote.Status >= 400 && remote.Status < 500 {
		return remote.Status
	}
	return http.StatusBadGateway
}

func wantsJSON(r *http.Request) bool {
	return r.URL.Query().Get("format") == "json" ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, page pageData, payload any) {
	if wantsJSON(r) {
		writeJSON(w, payload)
		return
	}
	s.renderPage(w, page, http.StatusOK)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, page pageData, msg string, status int) {
	if wantsJSON(r) {
		writeJSONWithStatus(w, map[string]any{"error": msg}, status)
		return
	}
	page.Error = msg
	s.renderPage(w, page, status)
}

func (s *Server) renderPage(w http.ResponseWriter, page pageData, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.pages.ExecuteTemplate(w, "index", page); err != nil {
		logger.Error("WebMonitor", "Render page: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
