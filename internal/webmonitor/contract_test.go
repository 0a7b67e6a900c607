package webmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dj-oyu/cloud-monitor/internal/api"
	"github.com/dj-oyu/cloud-monitor/internal/camera"
)

// Wire contract checks for the dashboard's JSON and SSE payloads. They run
// against CLOUDMON_BASE_URL when set, otherwise against an in-process server.

const contractTimeout = 3 * time.Second

type contractClient struct {
	baseURL string
	client  *http.Client
}

func newContractClient(t *testing.T) *contractClient {
	t.Helper()
	client := &http.Client{Timeout: contractTimeout}
	if baseURL := os.Getenv("CLOUDMON_BASE_URL"); baseURL != "" {
		return &contractClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
	}

	s := newTestServer(t, &fakeService{}, camera.NewFake(64, 48))
	s.onResult(&api.DetectionResult{Success: true, Filename: "frame-1.jpg", Detection: sampleDetection()})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &contractClient{baseURL: ts.URL, client: client}
}

func (c *contractClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, body
}

func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			payload = strings.TrimSpace(payload)
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertDetectionPayload(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireNumber(t, payload["frame_number"], field+".frame_number")
	requireNumber(t, payload["timestamp"], field+".timestamp")
	requireNumber(t, payload["num_detections"], field+".num_detections")
	requireNumber(t, payload["version"], field+".version")
	requireString(t, payload["filename"], field+".filename")
	detections := requireSlice(t, payload["detections"], field+".detections")
	for i, raw := range detections {
		det := requireMap(t, raw, fmt.Sprintf("%s.detections[%d]", field, i))
		requireString(t, det["class_name"], "detections.class_name")
		requireNumber(t, det["confidence"], "detections.confidence")
		bbox := requireMap(t, det["bbox"], "detections.bbox")
		requireNumber(t, bbox["x"], "detections.bbox.x")
		requireNumber(t, bbox["y"], "detections.bbox.y")
		requireNumber(t, bbox["w"], "detections.bbox.w")
		requireNumber(t, bbox["h"], "detections.bbox.h")
	}
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	monitor := requireMap(t, payload["monitor"], "monitor")
	requireNumber(t, monitor["frames_processed"], "monitor.frames_processed")
	requireNumber(t, monitor["detection_count"], "monitor.detection_count")
	requireNumber(t, monitor["target_fps"], "monitor.target_fps")

	live := requireMap(t, payload["live"], "live")
	state := requireString(t, live["state"], "live.state")
	if state != "idle" && state != "streaming" {
		t.Fatalf("live.state = %q", state)
	}
	requireBool(t, live["streaming"], "live.streaming")
	requireNumber(t, live["countdown"], "live.countdown")
	requireString(t, live["summary"], "live.summary")

	recording := requireMap(t, payload["recording"], "recording")
	requireBool(t, recording["recording"], "recording.recording")
	requireNumber(t, recording["frame_count"], "recording.frame_count")

	health := requireMap(t, payload["health"], "health")
	requireBool(t, health["show"], "health.show")

	requireNumber(t, payload["timestamp"], "timestamp")

	if payload["latest_detection"] != nil {
		assertDetectionPayload(t, requireMap(t, payload["latest_detection"], "latest_detection"), "latest_detection")
	}
	history := requireSlice(t, payload["detection_history"], "detection_history")
	for i, raw := range history {
		field := fmt.Sprintf("detection_history[%d]", i)
		assertDetectionPayload(t, requireMap(t, raw, field), field)
	}
}

func TestContractLiveStatus(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/api/live/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/live/status status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	status := requireMap(t, payload["status"], "status")
	requireString(t, status["state"], "status.state")
	requireNumber(t, status["fps"], "status.fps")
	view := requireMap(t, payload["view"], "view")
	requireString(t, view["summary"], "view.summary")
	if tips := requireSlice(t, view["tips"], "view.tips"); len(tips) != 4 {
		t.Fatalf("view.tips has %d entries", len(tips))
	}
	requireString(t, payload["interval"], "interval")
}

func TestContractOverlay(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/api/live/overlay?width=640&height=480")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/live/overlay status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	if w := requireNumber(t, payload["width"], "width"); w != 640 {
		t.Fatalf("width = %v", w)
	}
	for i, raw := range requireSlice(t, payload["boxes"], "boxes") {
		box := requireMap(t, raw, fmt.Sprintf("boxes[%d]", i))
		for _, key := range []string{"left", "top", "width", "height", "label_x", "label_y"} {
			requireNumber(t, box[key], "boxes."+key)
		}
		requireString(t, box["label"], "boxes.label")
	}
}

func TestContractHealth(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/health status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	requireBool(t, payload["healthy"], "healthy")
	requireSlice(t, payload["missing_keys"], "missing_keys")
	requireBool(t, requireMap(t, payload["banner"], "banner")["show"], "banner.show")
}

func TestContractRecordingStatus(t *testing.T) {
	client := newContractClient(t)
	resp, body := client.get(t, "/api/recording/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/recording/status status = %d", resp.StatusCode)
	}
	payload := decodeJSONMap(t, body)
	requireBool(t, payload["recording"], "recording")
	requireNumber(t, payload["frame_count"], "frame_count")
	requireNumber(t, payload["bytes_written"], "bytes_written")
}

func TestContractStatusStream(t *testing.T) {
	client := newContractClient(t)
	event, headers, err := readSSEEvent(client.baseURL+"/api/status/stream", contractTimeout)
	if err != nil {
		t.Fatalf("status stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status stream content-type = %q", headers.Get("Content-Type"))
	}
	assertStatusPayload(t, parseSSEData(t, event))
}

func TestContractDetectionsStream(t *testing.T) {
	client := newContractClient(t)
	event, headers, err := readSSEEvent(client.baseURL+"/api/detections/stream", contractTimeout)
	if err != nil {
		t.Skipf("detections stream has nothing to send: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("detections stream content-type = %q", headers.Get("Content-Type"))
	}
	assertDetectionPayload(t, parseSSEData(t, event), "event")
}

func TestContractMethods(t *testing.T) {
	client := newContractClient(t)
	for _, path := range []string{"/api/live/start", "/api/live/stop", "/api/recording/start", "/api/recording/stop"} {
		resp, _ := client.get(t, path)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s status = %d, want 405", path, resp.StatusCode)
		}
	}
}
