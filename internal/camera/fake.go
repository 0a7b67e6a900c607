package camera

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
)

// Fake is a synthetic camera that renders a drifting sky. It counts the
// tracks it hands out so callers can verify every one gets released.
type Fake struct {
	Width  int
	Height int
	// TracksPerStream is the number of tracks each acquired stream holds.
	TracksPerStream int
	// BlankFrames makes the first N reads of each stream return an empty image.
	BlankFrames int
	// FailWith makes Acquire fail with an AcquisitionError wrapping this error.
	FailWith error

	mu           sync.Mutex
	active       int
	acquisitions int
}

// NewFake returns a fake camera producing width x height frames.
func NewFake(width, height int) *Fake {
	return &Fake{Width: width, Height: height, TracksPerStream: 1}
}

// Acquire hands out a new synthetic stream.
func (f *Fake) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AcquisitionError{Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailWith != nil {
		return nil, &AcquisitionError{Err: f.FailWith}
	}
	tracks := f.TracksPerStream
	if tracks <= 0 {
		tracks = 1
	}
	f.active += tracks
	f.acquisitions++

	return &fakeStream{owner: f, tracks: tracks, blank: f.BlankFrames}, nil
}

// ActiveTracks reports tracks still held across every stream this fake produced.
func (f *Fake) ActiveTracks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Acquisitions counts successful Acquire calls.
func (f *Fake) Acquisitions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquisitions
}

func (f *Fake) release(n int) {
	f.mu.Lock()
	f.active -= n
	f.mu.Unlock()
}

type fakeStream struct {
	owner *Fake

	mu     sync.Mutex
	tracks int
	blank  int
	frame  int
}

func (s *fakeStream) Read() (image.Image, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracks == 0 {
		return nil, nil, ErrClosed
	}
	s.frame++
	if s.blank > 0 {
		s.blank--
		return image.NewRGBA(image.Rectangle{}), func() {}, nil
	}
	return renderSky(s.owner.Width, s.owner.Height, s.frame), func() {}, nil
}

func (s *fakeStream) Label() string {
	return "fake sky camera (environment)"
}

func (s *fakeStream) ActiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	n := s.tracks
	s.tracks = 0
	s.mu.Unlock()

	if n > 0 {
		s.owner.release(n)
	}
	return nil
}

// renderSky draws a vertical blue gradient with a soft cloud that drifts
// a few pixels per frame.
func renderSky(w, h, frame int) image.Image {
	if w <= 0 || h <= 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	cx := (frame * 7) % (w + 1)
	cy := h / 3
	rx, ry := w/6+1, h/10+1

	for y := 0; y < h; y++ {
		t := float64(y) / float64(h)
		sky := color.RGBA{
			R: uint8(70 + 80*t),
			G: uint8(130 + 70*t),
			B: uint8(220 + 25*t),
			A: 255,
		}
		for x := 0; x < w; x++ {
			dx := float64(x-cx) / float64(rx)
			dy := float64(y-cy) / float64(ry)
			if dx*dx+dy*dy <= 1 {
				img.SetRGBA(x, y, color.RGBA{R: 245, G: 245, B: 245, A: 255})
				continue
			}
			img.SetRGBA(x, y, sky)
		}
	}
	return img
}

// ErrPermissionDenied is a convenience failure for FailWith.
var ErrPermissionDenied = errors.New("permission denied")
