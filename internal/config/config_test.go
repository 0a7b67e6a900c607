package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestDefaults(t *testing.T) {
	t.Setenv("API_URL", "")
	t.Setenv("CLOUDMON_API_URL", "")
	os.Unsetenv("API_URL")
	os.Unsetenv("CLOUDMON_API_URL")

	cfg, err := Load("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.API.BaseURL, test.ShouldEqual, "http://localhost:8000")
	test.That(t, cfg.Capture.FPS, test.ShouldEqual, 1.0)
	test.That(t, cfg.Capture.MaxDimension, test.ShouldEqual, 1024)
	test.That(t, cfg.Capture.JPEGQuality, test.ShouldEqual, 80)
	test.That(t, cfg.Capture.Countdown, test.ShouldBeTrue)
	test.That(t, cfg.Capture.CountdownStep, test.ShouldEqual, 700*time.Millisecond)
	test.That(t, cfg.Capture.Camera, test.ShouldEqual, CameraAuto)
	test.That(t, cfg.Server.Addr, test.ShouldEqual, ":8080")
	test.That(t, cfg.Validate(), test.ShouldBeNil)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("API_URL", "http://10.0.0.5:8000")
	t.Setenv("CLOUDMON_CAPTURE_FPS", "2.5")
	t.Setenv("CLOUDMON_CAPTURE_CAMERA", "Fake")
	t.Setenv("CLOUDMON_SERVER_STATUS_INTERVAL", "500ms")

	cfg, err := Load("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.API.BaseURL, test.ShouldEqual, "http://10.0.0.5:8000")
	test.That(t, cfg.Capture.FPS, test.ShouldEqual, 2.5)
	test.That(t, cfg.Capture.Camera, test.ShouldEqual, CameraFake)
	test.That(t, cfg.Server.StatusInterval, test.ShouldEqual, 500*time.Millisecond)
	test.That(t, cfg.CaptureOptions().FPS, test.ShouldEqual, 2.5)
}

func TestPrefixedURLWinsOverAlias(t *testing.T) {
	t.Setenv("CLOUDMON_API_URL", "http://primary:8000")
	t.Setenv("API_URL", "http://alias:8000")

	cfg, err := Load("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.API.BaseURL, test.ShouldEqual, "http://primary:8000")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudmon.yaml")
	err := os.WriteFile(path, []byte(`
capture:
  fps: 4
  countdown: false
server:
  addr: ":9090"
  allowed_origins: ["https://sky.example"]
`), 0o644)
	test.That(t, err, test.ShouldBeNil)

	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Capture.FPS, test.ShouldEqual, 4.0)
	test.That(t, cfg.Capture.Countdown, test.ShouldBeFalse)
	test.That(t, cfg.Server.Addr, test.ShouldEqual, ":9090")
	test.That(t, cfg.Server.AllowedOrigins, test.ShouldResemble, []string{"https://sky.example"})
	test.That(t, cfg.Capture.JPEGQuality, test.ShouldEqual, 80)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"empty url":    func(c *Config) { c.API.BaseURL = "" },
		"zero fps":     func(c *Config) { c.Capture.FPS = 0 },
		"quality 0":    func(c *Config) { c.Capture.JPEGQuality = 0 },
		"quality 101":  func(c *Config) { c.Capture.JPEGQuality = 101 },
		"bad camera":   func(c *Config) { c.Capture.Camera = "usb" },
		"zero display": func(c *Config) { c.Capture.DisplayWidth = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			test.That(t, cfg.Validate(), test.ShouldNotBeNil)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	test.That(t, os.WriteFile(path, []byte("CLOUDMON_TEST_DOTENV=loaded\n"), 0o644), test.ShouldBeNil)
	t.Setenv("CLOUDMON_TEST_DOTENV", "")
	os.Unsetenv("CLOUDMON_TEST_DOTENV")

	test.That(t, LoadDotEnv(path, filepath.Join(dir, "absent.env")), test.ShouldBeNil)
	test.That(t, os.Getenv("CLOUDMON_TEST_DOTENV"), test.ShouldEqual, "loaded")
}
