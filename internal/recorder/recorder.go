package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/cloud-monitor/internal/logger"
	"github.com/dj-oyu/cloud-monitor/internal/metrics"
	"github.com/dj-oyu/cloud-monitor/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Recorder appends live JPEG frames to an .mjpeg file
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	filename     string
	basePath     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	stopTime     time.Time
	frameChan    chan *types.JPEGFrame
	done         chan struct{}
	wg           sync.WaitGroup
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewRecorder creates a recorder writing under basePath
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	if m == nil {
		m = metrics.New()
	}
	return &Recorder{
		basePath:  basePath,
		frameChan: make(chan *types.JPEGFrame, 30),
		metrics:   m,
		now:       time.Now,
	}
}

// Start opens a new timestamped file and returns its path
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create recording directory")
	}

	r.startTime = r.now()
	filename := fmt.Sprintf("recording_%s.mjpeg", r.startTime.Format("20060102_150405"))
	path := filepath.Join(r.basePath, filename)

	file, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to create file")
	}

	r.file = file
	r.filename = path
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.stopTime = time.Time{}
	r.done = make(chan struct{})
	r.metrics.SetRecording(true)
	r.metrics.RecordingBytes.Store(0)
	r.metrics.RecordingFrames.Store(0)

	r.wg.Add(1)
	go r.writeFrames(r.done)

	logger.Info("Recorder", "Recording to %s", path)
	return path, nil
}

// Stop finishes the current file and returns its path
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopTime = r.now()
	r.metrics.SetRecording(false)
	path := r.filename
	if r.file != nil {
		file := r.file
		r.file = nil
		if err := file.Sync(); err != nil {
			file.Close()
			return path, errors.Wrap(err, "failed to sync file")
		}
		if err := file.Close(); err != nil {
			return path, errors.Wrap(err, "failed to close file")
		}
	}
	logger.Info("Recorder", "Stopped %s (%d frames, %d bytes)", path, r.frameCount, r.bytesWritten)
	return path, nil
}

// SendFrame queues a frame without blocking; it reports false when the
// frame was dropped or nothing is recording
func (r *Recorder) SendFrame(frame *types.JPEGFrame) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording || frame == nil || len(frame.Data) == 0 {
		return false
	}

	select {
	case r.frameChan <- frame:
		return true
	default:
		logger.Debug("Recorder", "Queue full, dropping frame %d", frame.FrameNum)
		return false
	}
}

func (r *Recorder) writeFrames(done <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-r.frameChan:
			r.writeFrame(frame)
		case <-done:
			for {
				select {
				case frame := <-r.frameChan:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(frame *types.JPEGFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}

	n, err := r.file.Write(frame.Data)
	if err != nil {
		logger.Warn("Recorder", "Write failed for frame %d: %v", frame.FrameNum, err)
		return
	}

	r.bytesWritten += uint64(n)
	r.frameCount++
	r.metrics.RecordingBytes.Store(r.bytesWritten)
	r.metrics.RecordingFrames.Store(r.frameCount)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	switch {
	case r.recording:
		duration = r.now().Sub(r.startTime)
	case !r.stopTime.IsZero():
		duration = r.stopTime.Sub(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops any recording in progress
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
