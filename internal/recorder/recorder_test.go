package recorder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/dj-oyu/cloud-monitor/internal/logger"
	"github.com/dj-oyu/cloud-monitor/internal/metrics"
	"github.com/dj-oyu/cloud-monitor/pkg/types"
)

func init() {
	logger.SetLevel(logger.SILENT)
}

func TestRecordFrames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "recordings")
	m := metrics.New()
	r := NewRecorder(dir, m)
	r.now = func() time.Time { return time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC) }

	test.That(t, r.SendFrame(&types.JPEGFrame{Data: []byte{1}}), test.ShouldBeFalse)

	path, err := r.Start()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filepath.Base(path), test.ShouldEqual, "recording_20250301_123000.mjpeg")
	test.That(t, r.IsRecording(), test.ShouldBeTrue)
	test.That(t, m.RecordingActive.Load(), test.ShouldEqual, uint64(1))

	_, err = r.Start()
	test.That(t, err, test.ShouldEqual, ErrAlreadyRecording)

	test.That(t, r.SendFrame(&types.JPEGFrame{Data: []byte("\xff\xd8abc\xff\xd9"), FrameNum: 1}), test.ShouldBeTrue)
	test.That(t, r.SendFrame(&types.JPEGFrame{Data: []byte("\xff\xd8de\xff\xd9"), FrameNum: 2}), test.ShouldBeTrue)
	test.That(t, r.SendFrame(&types.JPEGFrame{}), test.ShouldBeFalse)

	stopped, err := r.Stop()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stopped, test.ShouldEqual, path)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Count(string(data), "\xff\xd8"), test.ShouldEqual, 2)

	st := r.GetStatus()
	test.That(t, st.Recording, test.ShouldBeFalse)
	test.That(t, st.FrameCount, test.ShouldEqual, uint64(2))
	test.That(t, st.BytesWritten, test.ShouldEqual, uint64(len(data)))
	test.That(t, m.RecordingFrames.Load(), test.ShouldEqual, uint64(2))
	test.That(t, m.RecordingActive.Load(), test.ShouldEqual, uint64(0))
}

func TestStopWithoutStart(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)
	_, err := r.Stop()
	test.That(t, err, test.ShouldEqual, ErrNotRecording)
	test.That(t, r.Close(), test.ShouldBeNil)
}

func TestCloseStopsRecording(t *testing.T) {
	r := NewRecorder(t.TempDir(), nil)
	_, err := r.Start()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Close(), test.ShouldBeNil)
	test.That(t, r.IsRecording(), test.ShouldBeFalse)
}
