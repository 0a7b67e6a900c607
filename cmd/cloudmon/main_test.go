package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/dj-oyu/cloud-monitor/internal/config"
	"github.com/dj-oyu/cloud-monitor/internal/logger"
)

const detectBody = `{
  "success": true,
  "filename": "sky.jpg",
  "predictions": {
    "model_id": "clouds/3",
    "image_dimensions": {"width": 200, "height": 100},
    "predictions": [
      {"class": "cumulus", "confidence": 0.875, "bounding_box": {"x": 100, "y": 50, "width": 40, "height": 20}}
    ],
    "summary": {"total_detections": 1, "confidence_threshold": 0.4}
  }
}`

const weatherBody = `{
  "success": true,
  "location": "Manila",
  "weather": {
    "location": {"name": "Manila", "country": "PH", "coordinates": {"lat": 14.6, "lon": 120.98}},
    "current": {"temperature": 31.2, "feels_like": 36.1, "humidity": 70, "pressure": 1008,
                "description": "broken clouds", "main": "Clouds", "icon": "04d", "visibility": 10},
    "wind": {"speed": 4.1, "direction": 250},
    "clouds": {"coverage": 75},
    "sun": {"sunrise": 1700000000, "sunset": 1700043200},
    "timestamp": 1700020000
  }
}`

type backend struct {
	mu      sync.Mutex
	paths   []string
	healthy bool
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.paths = append(b.paths, r.URL.Path)
	healthy := b.healthy
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/detect-clouds":
		io.WriteString(w, detectBody)
	case "/weather":
		if r.URL.Query().Get("city") == "Atlantis" {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"detail": "City not found"}`)
			return
		}
		io.WriteString(w, weatherBody)
	case "/weather/forecast":
		io.WriteString(w, `{"success": true, "location": "Manila", "days": 3, "outlook": "rain"}`)
	case "/health":
		if healthy {
			io.WriteString(w, `{"healthy": true, "missing_keys": []}`)
		} else {
			io.WriteString(w, `{"healthy": false, "missing_keys": ["OPENWEATHER_API_KEY"]}`)
		}
	default:
		http.NotFound(w, r)
	}
}

func (b *backend) count(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.paths {
		if p == path {
			n++
		}
	}
	return n
}

func runApp(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp(&out, io.Discard)
	full := append([]string{"cloudmon", "--api-url", url, "--log-level", "silent"}, args...)
	err := app.Run(full)
	return out.String(), err
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sky.jpg")
	test.That(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xd9}, 0o644), test.ShouldBeNil)
	return path
}

func TestWeatherCommand(t *testing.T) {
	ts := httptest.NewServer(&backend{})
	defer ts.Close()

	out, err := runApp(t, ts.URL, "weather", "--city", "Manila", "--country", "PH")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "Manila, PH")
	test.That(t, out, test.ShouldContainSubstring, "31.2°C")
	test.That(t, out, test.ShouldContainSubstring, "broken clouds")
}

func TestWeatherCommandReportsBackendDetail(t *testing.T) {
	ts := httptest.NewServer(&backend{})
	defer ts.Close()

	_, err := runApp(t, ts.URL, "weather", "--city", "Atlantis")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldEqual, "City not found")
}

func TestForecastCommand(t *testing.T) {
	ts := httptest.NewServer(&backend{})
	defer ts.Close()

	out, err := runApp(t, ts.URL, "forecast", "--city", "Manila", "--days", "3")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "outlook")
	test.That(t, out, test.ShouldContainSubstring, "rain")
}

func TestDetectCommand(t *testing.T) {
	b := &backend{}
	ts := httptest.NewServer(b)
	defer ts.Close()

	out, err := runApp(t, ts.URL, "detect", writeImage(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "cumulus")
	test.That(t, out, test.ShouldContainSubstring, "87.5% confidence")
	test.That(t, b.count("/detect-clouds"), test.ShouldEqual, 1)

	_, err = runApp(t, ts.URL, "detect")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = runApp(t, ts.URL, "detect", filepath.Join(t.TempDir(), "missing.jpg"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestHealthCommand(t *testing.T) {
	b := &backend{}
	ts := httptest.NewServer(b)
	defer ts.Close()

	out, err := runApp(t, ts.URL, "health")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "missing keys: OPENWEATHER_API_KEY")

	b.mu.Lock()
	b.healthy = true
	b.mu.Unlock()
	out, err = runApp(t, ts.URL, "health")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "is healthy")
}

func TestLiveCommandWithFakeCamera(t *testing.T) {
	b := &backend{}
	ts := httptest.NewServer(b)
	defer ts.Close()

	out, err := runApp(t, ts.URL, "live", "--camera", config.CameraFake, "--fps", "20", "--frames", "2", "--countdown=false")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.count("/detect-clouds"), test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, out, test.ShouldContainSubstring, "cumulus")
	test.That(t, out, test.ShouldContainSubstring, "Detections: 1")
	// the summary comes after every per-frame table
	summary := strings.LastIndex(out, "Live (idle): Detections: 1")
	test.That(t, summary, test.ShouldBeGreaterThan, strings.LastIndex(out, "Detections: 1 ("))
}

func TestInvalidConfigIsRejected(t *testing.T) {
	_, err := runApp(t, "http://localhost:8000", "live", "--fps", "0")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "capture.fps")
}

func TestServeShutsDownWithOpenStream(t *testing.T) {
	logger.SetLevel(logger.SILENT)
	ts := httptest.NewServer(&backend{healthy: true})
	defer ts.Close()

	cfg := config.Default()
	cfg.API.BaseURL = ts.URL
	cfg.Capture.Camera = config.CameraFake
	cfg.Capture.Countdown = false
	cfg.Recording.OutputPath = t.TempDir()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- serve(ctx, ln, cfg, "") }()

	resp, err := http.Post(base+"/api/live/start", "application/json", nil)
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	stream, err := http.Get(base + "/stream")
	test.That(t, err, test.ShouldBeNil)
	defer stream.Body.Close()
	line, err := bufio.NewReader(stream.Body).ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	test.That(t, line, test.ShouldEqual, "--frame\r\n")

	started := time.Now()
	cancel()
	select {
	case err := <-errc:
		test.That(t, err, test.ShouldBeNil)
		test.That(t, time.Since(started).Seconds(), test.ShouldBeLessThan, (shutdownTimeout / 2).Seconds())
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("serve did not return")
	}
	_, err = io.Copy(io.Discard, stream.Body)
	test.That(t, err, test.ShouldBeNil)
}
