package camera

import (
	"context"
	"image"
	"math"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	driverutils "github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/dj-oyu/cloud-monitor/internal/logger"
)

// ErrClosed is returned by Read after the stream has been closed.
var ErrClosed = errors.New("camera stream closed")

var supportedFormats = prop.FrameFormatOneOf{
	frame.FormatI420,
	frame.FormatI444,
	frame.FormatYUY2,
	frame.FormatUYVY,
	frame.FormatRGBA,
	frame.FormatMJPEG,
	frame.FormatNV12,
	frame.FormatNV21,
}

// MediaDevicesConfig tunes device selection.
type MediaDevicesConfig struct {
	IdealWidth  int
	IdealHeight int
	PreferRear  bool
}

// MediaDevices acquires local cameras through pion/mediadevices.
type MediaDevices struct {
	cfg MediaDevicesConfig
}

// NewMediaDevices returns a Source backed by the host's video drivers.
func NewMediaDevices(cfg MediaDevicesConfig) *MediaDevices {
	if cfg.IdealWidth <= 0 {
		cfg.IdealWidth = 1280
	}
	if cfg.IdealHeight <= 0 {
		cfg.IdealHeight = 720
	}
	return &MediaDevices{cfg: cfg}
}

// Acquire opens a rear-facing camera when one is present, otherwise any camera.
func (m *MediaDevices) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AcquisitionError{Err: err}
	}
	mediadevicescamera.Initialize()

	var preferredErr error
	if m.cfg.PreferRear {
		s, err := m.openRear()
		if err == nil {
			logger.Info("Camera", "Using rear camera %q", s.Label())
			return s, nil
		}
		preferredErr = err
		logger.Info("Camera", "Rear camera unavailable (%v), falling back to any camera", err)
	}

	s, err := m.openAny()
	if err != nil {
		return nil, &AcquisitionError{Err: multierr.Combine(preferredErr, err)}
	}
	logger.Info("Camera", "Using camera %q", s.Label())
	return s, nil
}

func (m *MediaDevices) openRear() (*trackStream, error) {
	var errs error
	for _, d := range driverutils.GetManager().Query(driverutils.FilterVideoRecorder()) {
		label := d.Info().Label
		if !IsRearFacing(label) {
			continue
		}
		s, err := m.openDriver(d)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "open %s", label))
			continue
		}
		return s, nil
	}
	if errs == nil {
		errs = errors.New("no rear-facing camera found")
	}
	return nil, errs
}

func (m *MediaDevices) openDriver(d driverutils.Driver) (*trackStream, error) {
	recorder, ok := d.(driverutils.VideoRecorder)
	if !ok {
		return nil, errors.New("driver cannot record video")
	}
	if err := d.Open(); err != nil {
		return nil, err
	}

	p, err := m.pickProperty(d.Properties())
	if err != nil {
		return nil, multierr.Combine(err, d.Close())
	}
	reader, err := recorder.VideoRecord(p)
	if err != nil {
		return nil, multierr.Combine(err, d.Close())
	}

	label := d.Info().Label
	if parts := strings.Split(label, mediadevicescamera.LabelSeparator); len(parts) > 0 && parts[0] != "" {
		label = parts[0]
	}
	return newTrackStream(label, reader, d.Close), nil
}

// pickProperty chooses the supported mode whose width is closest to the ideal.
func (m *MediaDevices) pickProperty(props []prop.Media) (prop.Media, error) {
	best := -1
	bestScore := math.MaxInt
	for i, p := range props {
		if !isSupportedFormat(p.Video.FrameFormat) {
			continue
		}
		score := absInt(p.Video.Width-m.cfg.IdealWidth) + absInt(p.Video.Height-m.cfg.IdealHeight)
		if score < bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return prop.Media{}, errors.New("no supported video mode")
	}
	return props[best], nil
}

func (m *MediaDevices) openAny() (*trackStream, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.IntRanged{Min: 0, Ideal: m.cfg.IdealWidth, Max: 4096}
			c.Height = prop.IntRanged{Min: 0, Ideal: m.cfg.IdealHeight, Max: 2160}
			c.FrameFormat = supportedFormats
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "get user media")
	}

	tracks := stream.GetTracks()
	closers := make([]func() error, 0, len(tracks))
	var videoTrack *mediadevices.VideoTrack
	for _, t := range tracks {
		closers = append(closers, t.Close)
		if t.Kind() != webrtc.RTPCodecTypeVideo || videoTrack != nil {
			continue
		}
		if vt, ok := t.(*mediadevices.VideoTrack); ok {
			videoTrack = vt
		}
	}
	if videoTrack == nil {
		var errs error
		for _, c := range closers {
			errs = multierr.Append(errs, c())
		}
		return nil, multierr.Combine(errors.New("stream has no video track"), errs)
	}

	return newTrackStream(videoTrack.ID(), videoTrack.NewReader(false), closers...), nil
}

func isSupportedFormat(f frame.Format) bool {
	for _, s := range supportedFormats {
		if s == f {
			return true
		}
	}
	return false
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// trackStream couples a frame reader with the closers of every track it holds.
type trackStream struct {
	label  string
	reader video.Reader

	mu      sync.Mutex
	closers []func() error
	closed  bool
}

func newTrackStream(label string, reader video.Reader, closers ...func() error) *trackStream {
	return &trackStream{label: label, reader: reader, closers: closers}
}

func (s *trackStream) Read() (image.Image, func(), error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, ErrClosed
	}
	return s.reader.Read()
}

func (s *trackStream) Label() string {
	return s.label
}

func (s *trackStream) ActiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return len(s.closers)
}

func (s *trackStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs error
	for _, c := range closers {
		errs = multierr.Append(errs, c())
	}
	return errs
}
