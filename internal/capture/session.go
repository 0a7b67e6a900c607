// Package capture runs the live loop that snapshots camera frames and sends
// them for cloud detection.
package capture

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dj-oyu/cloud-monitor/internal/api"
	"github.com/dj-oyu/cloud-monitor/internal/camera"
	"github.com/dj-oyu/cloud-monitor/internal/logger"
	"github.com/dj-oyu/cloud-monitor/internal/metrics"
)

// Defaults for Options.
const (
	DefaultFPS           = 1.0
	DefaultMaxDimension  = 1024
	DefaultJPEGQuality   = 80
	DefaultCountdownStep = 700 * time.Millisecond

	minSkipDelay = 200 * time.Millisecond
	minCooldown  = 500 * time.Millisecond
)

// CameraErrorMessage is shown when no camera could be opened.
const CameraErrorMessage = "Unable to access camera"

// ErrAlreadyStreaming is returned by Start while a session is live.
var ErrAlreadyStreaming = errors.New("capture session already streaming")

// State is the session lifecycle state.
type State int32

const (
	Idle State = iota
	Streaming
)

func (s State) String() string {
	if s == Streaming {
		return "streaming"
	}
	return "idle"
}

// Detector is the part of the API the loop needs.
type Detector interface {
	DetectClouds(ctx context.Context, img api.Upload) (*api.DetectionResult, error)
}

// Options configures a Session. Hooks run on the loop goroutine and must not block.
type Options struct {
	FPS           float64
	MaxDimension  int
	JPEGQuality   int
	Countdown     bool
	CountdownStep time.Duration

	Clock   clock.Clock
	Metrics *metrics.Metrics

	OnResult    func(*api.DetectionResult)
	OnError     func(msg string, err error)
	OnCountdown func(n int)
	OnState     func(State)
	OnFrame     func(Frame)
	// OnSnapshot receives the raw frame before it is released; it must not
	// retain img after returning.
	OnSnapshot func(img image.Image)
}

// DefaultOptions returns one frame per second with the countdown enabled.
func DefaultOptions() Options {
	return Options{
		FPS:           DefaultFPS,
		MaxDimension:  DefaultMaxDimension,
		JPEGQuality:   DefaultJPEGQuality,
		Countdown:     true,
		CountdownStep: DefaultCountdownStep,
	}
}

// Interval is the pause between cycles, 1000ms/FPS.
func (o Options) Interval() time.Duration {
	fps := o.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	return time.Duration(float64(time.Second) / fps)
}

// Status is a point-in-time view of the session.
type Status struct {
	State        string               `json:"state"`
	Streaming    bool                 `json:"streaming"`
	SessionID    string               `json:"session_id,omitempty"`
	Camera       string               `json:"camera,omitempty"`
	FPS          float64              `json:"fps"`
	Cycles       uint64               `json:"cycles"`
	Uploads      uint64               `json:"uploads"`
	Failures     uint64               `json:"failures"`
	Skipped      uint64               `json:"skipped"`
	Countdown    int                  `json:"countdown"`
	LastError    string               `json:"last_error,omitempty"`
	LastResult   *api.DetectionResult `json:"last_result,omitempty"`
	ActiveTracks int                  `json:"active_tracks"`
}

// Session owns at most one camera stream and the loop that feeds it to the detector.
type Session struct {
	src  camera.Source
	det  Detector
	opts Options
	clk  clock.Clock

	lifecycle sync.Mutex // serializes Start and Stop
	counting  atomic.Bool

	mu         sync.Mutex
	run        *run
	last       *run
	countdown  int
	cycles     uint64
	uploads    uint64
	failures   uint64
	skipped    uint64
	lastErr    string
	lastResult *api.DetectionResult
	sessionID  string
}

type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	stream camera.Stream
	done   chan struct{}

	counting atomic.Bool
	once     sync.Once
	closeErr error
}

// NewSession creates an idle session.
func NewSession(src camera.Source, det Detector, opts Options) *Session {
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	if opts.CountdownStep <= 0 {
		opts.CountdownStep = DefaultCountdownStep
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Session{src: src, det: det, opts: opts, clk: opts.Clock}
}

// Start acquires the camera and begins the loop. ctx bounds the whole
// session; cancelling it tears the session down like Stop.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.current() != nil {
		return ErrAlreadyStreaming
	}

	stream, err := s.src.Acquire(ctx)
	if err != nil {
		logger.Error("Capture", "Camera acquisition failed: %v", err)
		s.mu.Lock()
		s.lastErr = CameraErrorMessage
		s.mu.Unlock()
		if s.opts.OnError != nil {
			s.opts.OnError(CameraErrorMessage, err)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:     uuid.NewString(),
		ctx:    runCtx,
		cancel: cancel,
		stream: stream,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.run = r
	s.last = r
	s.sessionID = r.id
	s.cycles, s.uploads, s.failures, s.skipped = 0, 0, 0, 0
	s.lastErr = ""
	s.lastResult = nil
	s.mu.Unlock()

	s.opts.Metrics.SetStreaming(true)
	s.opts.Metrics.ActiveTracks.Store(uint64(stream.ActiveTracks()))
	logger.Info("Capture", "Session %s streaming from %q at %.2f fps", r.id, stream.Label(), s.opts.FPS)
	if s.opts.OnState != nil {
		s.opts.OnState(Streaming)
	}

	go s.loop(r)
	return nil
}

// Stop cancels the loop, releases every camera track and returns to Idle.
// It does not wait for an in-flight upload; that result is dropped.
func (s *Session) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	r := s.current()
	if r == nil {
		return nil
	}
	return s.finish(r)
}

// Wait blocks until the loop of the most recent run has exited and its hooks
// have returned. Hooks must not call it.
func (s *Session) Wait() {
	s.mu.Lock()
	r := s.last
	s.mu.Unlock()
	if r != nil {
		<-r.done
	}
}

// Close is Stop for teardown paths.
func (s *Session) Close() error {
	return s.Stop()
}

// State reports Idle or Streaming.
func (s *Session) State() State {
	if s.current() != nil {
		return Streaming
	}
	return Idle
}

// Interval is the configured cycle interval.
func (s *Session) Interval() time.Duration {
	return s.opts.Interval()
}

// LastResult returns the latest successful detection, or nil.
func (s *Session) LastResult() *api.DetectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

// Status snapshots the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:      Idle.String(),
		FPS:        s.opts.FPS,
		SessionID:  s.sessionID,
		Cycles:     s.cycles,
		Uploads:    s.uploads,
		Failures:   s.failures,
		Skipped:    s.skipped,
		Countdown:  s.countdown,
		LastError:  s.lastErr,
		LastResult: s.lastResult,
	}
	if s.run != nil {
		st.State = Streaming.String()
		st.Streaming = true
		st.Camera = s.run.stream.Label()
		st.ActiveTracks = s.run.stream.ActiveTracks()
	}
	return st
}

func (s *Session) current() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// finish tears a run down exactly once.
func (s *Session) finish(r *run) error {
	r.once.Do(func() {
		r.cancel()
		r.closeErr = r.stream.Close()
		if r.closeErr != nil {
			logger.Warn("Capture", "Releasing camera tracks: %v", r.closeErr)
		}

		s.mu.Lock()
		counted := false
		if s.run == r {
			s.run = nil
			counted = s.countdown != 0
			s.countdown = 0
		}
		s.mu.Unlock()

		if counted && s.opts.OnCountdown != nil {
			s.opts.OnCountdown(0)
		}
		s.opts.Metrics.SetStreaming(false)
		s.opts.Metrics.ActiveTracks.Store(0)
		logger.Info("Capture", "Session %s stopped", r.id)
		if s.opts.OnState != nil {
			s.opts.OnState(Idle)
		}
	})
	return r.closeErr
}

func (s *Session) loop(r *run) {
	defer close(r.done)
	defer s.finish(r)

	interval := s.opts.Interval()
	var delay time.Duration
	for {
		if !s.sleep(r.ctx, delay) {
			return
		}
		delay = s.cycle(r, interval)
		if r.ctx.Err() != nil {
			return
		}
	}
}

// cycle runs one snapshot and upload and returns the delay before the next one.
func (s *Session) cycle(r *run, interval time.Duration) time.Duration {
	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()

	if s.opts.Countdown {
		if err := s.countdownFor(r.ctx, r); err != nil {
			if errors.Is(err, ErrCountdownRunning) {
				logger.Debug("Capture", "Countdown already running, skipping cycle")
				return interval
			}
			return 0
		}
	}

	img, release, err := r.stream.Read()
	if err != nil {
		if r.ctx.Err() != nil {
			return 0
		}
		s.fail(errors.Wrap(err, "read frame"), CameraErrorMessage)
		return interval
	}
	s.opts.Metrics.FramesCaptured.Add(1)

	if s.opts.OnSnapshot != nil && img != nil {
		s.opts.OnSnapshot(img)
	}
	frame, err := EncodeFrame(img, s.opts.MaxDimension, s.opts.JPEGQuality, s.clk.Now())
	if release != nil {
		release()
	}
	if err != nil {
		var encErr *EncodingError
		if errors.As(err, &encErr) {
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			s.opts.Metrics.FramesSkipped.Add(1)
			logger.Warn("Capture", "Skipping frame: %v", err)
			return max(minSkipDelay, interval)
		}
		s.fail(err, "")
		return interval
	}
	if s.opts.OnFrame != nil {
		s.opts.OnFrame(frame)
	}

	start := s.clk.Now()
	res, err := s.det.DetectClouds(context.WithoutCancel(r.ctx), frame.Upload())
	if r.ctx.Err() != nil {
		logger.Debug("Capture", "Session %s stopped during upload, dropping %s", r.id, frame.Filename)
		return 0
	}
	s.opts.Metrics.UpdateUploadLatency(s.clk.Since(start))

	if err != nil {
		s.opts.Metrics.UploadErrors.Add(1)
		s.fail(err, "")
		return max(minCooldown, interval) + interval
	}

	s.mu.Lock()
	s.uploads++
	s.lastResult = res
	s.lastErr = ""
	s.mu.Unlock()

	s.opts.Metrics.FramesUploaded.Add(1)
	s.opts.Metrics.LastDetections.Store(uint64(len(res.Detection.Predictions)))
	logger.Debug("Capture", "%s: %d clouds", frame.Filename, len(res.Detection.Predictions))
	if s.opts.OnResult != nil {
		s.opts.OnResult(res)
	}
	return interval
}

func (s *Session) fail(err error, fallback string) {
	msg := api.UserMessage(err, fallback)

	s.mu.Lock()
	s.failures++
	s.lastErr = msg
	s.mu.Unlock()

	logger.Warn("Capture", "Cycle failed: %v", err)
	if s.opts.OnError != nil {
		s.opts.OnError(msg, err)
	}
}
