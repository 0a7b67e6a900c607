package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/dj-oyu/cloud-monitor/internal/api"
	"github.com/dj-oyu/cloud-monitor/internal/camera"
	"github.com/dj-oyu/cloud-monitor/internal/logger"
)

func init() {
	logger.SetLevel(logger.SILENT)
}

type call struct {
	at       time.Time
	filename string
}

type fakeDetector struct {
	clk *clock.Mock

	mu    sync.Mutex
	calls []call
	errs  []error
	gate  chan struct{}
	done  int
}

func (d *fakeDetector) DetectClouds(ctx context.Context, img api.Upload) (*api.DetectionResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, call{at: d.clk.Now(), filename: img.Filename})
	var err error
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	}
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	d.done++
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &api.DetectionResult{
		Success:  true,
		Filename: img.Filename,
		Detection: api.Detection{
			ImageDimensions: api.ImageDimensions{Width: 64, Height: 48},
			Predictions: []api.Prediction{{
				Class:       "cumulus",
				Confidence:  0.9,
				BoundingBox: api.BoundingBox{X: 32, Y: 24, Width: 10, Height: 8},
			}},
		},
	}, nil
}

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDetector) completed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *fakeDetector) call(i int) call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[i]
}

// eventually advances the mock clock in small steps until cond holds.
func eventually(t *testing.T, mock *clock.Mock, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		if mock != nil {
			mock.Add(50 * time.Millisecond)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestSession(t *testing.T, opts Options) (*Session, *camera.Fake, *fakeDetector, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts.Clock = mock
	fake := camera.NewFake(64, 48)
	det := &fakeDetector{clk: mock}
	s := NewSession(fake, det, opts)
	t.Cleanup(func() { s.Close() })
	return s, fake, det, mock
}

func TestStartUploadsAndStores(t *testing.T) {
	var mu sync.Mutex
	var results []*api.DetectionResult
	var frames []Frame
	s, fake, det, mock := newTestSession(t, Options{
		OnResult: func(r *api.DetectionResult) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		},
		OnFrame: func(f Frame) {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		},
	})

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	test.That(t, s.State(), test.ShouldEqual, Streaming)
	test.That(t, fake.ActiveTracks(), test.ShouldEqual, 1)

	eventually(t, mock, func() bool { return det.completed() >= 2 })

	first, second := det.call(0), det.call(1)
	test.That(t, first.filename, test.ShouldEqual, FrameFilename(first.at))
	test.That(t, second.at.Sub(first.at), test.ShouldBeGreaterThanOrEqualTo, time.Second)

	eventually(t, nil, func() bool { return s.Status().Uploads >= 2 })
	st := s.Status()
	test.That(t, st.Streaming, test.ShouldBeTrue)
	test.That(t, st.SessionID, test.ShouldNotBeEmpty)
	test.That(t, st.LastResult, test.ShouldNotBeNil)
	test.That(t, st.LastResult.Detection.Predictions, test.ShouldHaveLength, 1)

	mu.Lock()
	test.That(t, len(results), test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, frames[0].Width, test.ShouldEqual, 64)
	mu.Unlock()

	test.That(t, s.Stop(), test.ShouldBeNil)
	test.That(t, s.State(), test.ShouldEqual, Idle)
	test.That(t, fake.ActiveTracks(), test.ShouldEqual, 0)
}

func TestStartTwiceIsRejected(t *testing.T) {
	s, _, _, _ := newTestSession(t, Options{})
	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	test.That(t, s.Start(context.Background()), test.ShouldEqual, ErrAlreadyStreaming)

	test.That(t, s.Stop(), test.ShouldBeNil)
	test.That(t, s.Stop(), test.ShouldBeNil)
	test.That(t, s.State(), test.ShouldEqual, Idle)
}

func TestAcquisitionFailureStaysIdle(t *testing.T) {
	var reported string
	s, fake, _, _ := newTestSession(t, Options{
		OnError: func(msg string, err error) { reported = msg },
	})
	fake.FailWith = camera.ErrPermissionDenied

	err := s.Start(context.Background())
	var acqErr *camera.AcquisitionError
	test.That(t, errors.As(err, &acqErr), test.ShouldBeTrue)
	test.That(t, s.State(), test.ShouldEqual, Idle)
	test.That(t, reported, test.ShouldEqual, CameraErrorMessage)
	test.That(t, s.Status().LastError, test.ShouldEqual, CameraErrorMessage)
	test.That(t, fake.ActiveTracks(), test.ShouldEqual, 0)
}

func TestFailedUploadCoolsDownAndContinues(t *testing.T) {
	var mu sync.Mutex
	var messages []string
	s, _, det, mock := newTestSession(t, Options{
		OnError: func(msg string, err error) {
			mu.Lock()
			messages = append(messages, msg)
			mu.Unlock()
		},
	})
	det.errs = []error{&api.RemoteError{Status: 503, Detail: "Roboflow unavailable"}}

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	eventually(t, mock, func() bool { return det.completed() >= 2 })

	gap := det.call(1).at.Sub(det.call(0).at)
	test.That(t, gap, test.ShouldBeGreaterThanOrEqualTo, 2*time.Second)
	test.That(t, s.State(), test.ShouldEqual, Streaming)

	mu.Lock()
	test.That(t, messages, test.ShouldResemble, []string{"Roboflow unavailable"})
	mu.Unlock()

	eventually(t, nil, func() bool { return s.Status().Uploads >= 1 })
	st := s.Status()
	test.That(t, st.Failures, test.ShouldEqual, 1)
	test.That(t, st.LastError, test.ShouldBeEmpty)
}

func TestStopDuringUploadReleasesTracksAndDropsResult(t *testing.T) {
	s, fake, det, mock := newTestSession(t, Options{})
	det.gate = make(chan struct{})

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	r := s.current()
	eventually(t, mock, func() bool { return det.callCount() == 1 })

	test.That(t, s.Stop(), test.ShouldBeNil)
	test.That(t, fake.ActiveTracks(), test.ShouldEqual, 0)
	test.That(t, s.State(), test.ShouldEqual, Idle)

	close(det.gate)
	<-r.done

	st := s.Status()
	test.That(t, st.Uploads, test.ShouldEqual, 0)
	test.That(t, st.LastResult, test.ShouldBeNil)
	test.That(t, det.callCount(), test.ShouldEqual, 1)
}

func TestStopDuringCountdown(t *testing.T) {
	var mu sync.Mutex
	var counts []int
	s, fake, det, _ := newTestSession(t, Options{
		Countdown: true,
		OnCountdown: func(n int) {
			mu.Lock()
			counts = append(counts, n)
			mu.Unlock()
		},
	})

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	r := s.current()
	eventually(t, nil, s.CountingDown)

	test.That(t, s.Stop(), test.ShouldBeNil)
	test.That(t, fake.ActiveTracks(), test.ShouldEqual, 0)
	<-r.done

	test.That(t, s.CountingDown(), test.ShouldBeFalse)
	test.That(t, det.callCount(), test.ShouldEqual, 0)
	test.That(t, s.Status().Countdown, test.ShouldEqual, 0)

	mu.Lock()
	test.That(t, counts, test.ShouldResemble, []int{3, 0})
	mu.Unlock()
}

func TestCountdownRunsBeforeSnapshot(t *testing.T) {
	var mu sync.Mutex
	var counts []int
	s, _, det, mock := newTestSession(t, Options{
		Countdown: true,
		OnCountdown: func(n int) {
			mu.Lock()
			counts = append(counts, n)
			mu.Unlock()
		},
	})

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	eventually(t, mock, func() bool { return det.callCount() >= 1 })

	test.That(t, det.call(0).at.Sub(time.Unix(0, 0)), test.ShouldBeGreaterThanOrEqualTo, 3*DefaultCountdownStep)
	mu.Lock()
	test.That(t, counts[:4], test.ShouldResemble, []int{3, 2, 1, 0})
	mu.Unlock()
}

func TestCountdownGuard(t *testing.T) {
	s, _, _, mock := newTestSession(t, Options{})

	errc := make(chan error, 1)
	go func() { errc <- s.RunCountdown(context.Background()) }()
	eventually(t, nil, s.CountingDown)

	test.That(t, s.RunCountdown(context.Background()), test.ShouldEqual, ErrCountdownRunning)

	eventually(t, mock, func() bool { return !s.CountingDown() })
	test.That(t, <-errc, test.ShouldBeNil)
}

func TestRestartDuringCountdownKeepsNewCountdown(t *testing.T) {
	var mu sync.Mutex
	var counts []int
	s, _, det, mock := newTestSession(t, Options{
		Countdown: true,
		OnCountdown: func(n int) {
			mu.Lock()
			counts = append(counts, n)
			mu.Unlock()
		},
	})

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	first := s.current()
	eventually(t, nil, s.CountingDown)

	test.That(t, s.Stop(), test.ShouldBeNil)
	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	<-first.done

	eventually(t, mock, func() bool { return det.callCount() >= 1 })
	test.That(t, s.Status().Cycles, test.ShouldEqual, 1)

	mu.Lock()
	test.That(t, counts[:6], test.ShouldResemble, []int{3, 0, 3, 2, 1, 0})
	mu.Unlock()
}

func TestWaitBlocksUntilLoopExits(t *testing.T) {
	s, _, det, mock := newTestSession(t, Options{})
	s.Wait()

	det.gate = make(chan struct{})
	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	r := s.current()
	eventually(t, mock, func() bool { return det.callCount() == 1 })
	test.That(t, s.Stop(), test.ShouldBeNil)

	select {
	case <-r.done:
		t.Fatal("loop exited while the upload was still in flight")
	default:
	}

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	close(det.gate)
	<-waited

	select {
	case <-r.done:
	default:
		t.Fatal("Wait returned before the loop exited")
	}
	test.That(t, det.completed(), test.ShouldEqual, 1)
}

func TestEmptyFrameIsSkipped(t *testing.T) {
	s, fake, det, mock := newTestSession(t, Options{})
	fake.BlankFrames = 1

	test.That(t, s.Start(context.Background()), test.ShouldBeNil)
	eventually(t, mock, func() bool { return det.completed() >= 1 })

	test.That(t, det.call(0).at.Sub(time.Unix(0, 0)), test.ShouldBeGreaterThanOrEqualTo, time.Second)
	st := s.Status()
	test.That(t, st.Skipped, test.ShouldEqual, 1)
	test.That(t, st.Failures, test.ShouldEqual, 0)
}

func TestCancelledContextTearsDown(t *testing.T) {
	s, fake, _, _ := newTestSession(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	test.That(t, s.Start(ctx), test.ShouldBeNil)
	r := s.current()
	cancel()
	<-r.done

	test.That(t, s.State(), test.ShouldEqual, Idle)
	test.That(t, fake.ActiveTracks(), test.ShouldEqual, 0)
}

func TestInterval(t *testing.T) {
	test.That(t, Options{FPS: 1}.Interval(), test.ShouldEqual, time.Second)
	test.That(t, Options{FPS: 4}.Interval(), test.ShouldEqual, 250*time.Millisecond)
	test.That(t, Options{}.Interval(), test.ShouldEqual, time.Second)
}
