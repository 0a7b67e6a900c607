// Package config loads cloudmon settings from defaults, an optional file and the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/dj-oyu/cloud-monitor/internal/api"
	"github.com/dj-oyu/cloud-monitor/internal/capture"
)

// EnvPrefix prefixes every environment override, e.g. CLOUDMON_CAPTURE_FPS.
const EnvPrefix = "CLOUDMON"

// Camera sources.
const (
	CameraAuto = "auto"
	CameraFake = "fake"
)

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Server    ServerConfig    `mapstructure:"server"`
	Recording RecordingConfig `mapstructure:"recording"`
	Log       LogConfig       `mapstructure:"log"`
}

type APIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	Burst           int           `mapstructure:"burst"`
	WeatherCacheTTL time.Duration `mapstructure:"weather_cache_ttl"`
}

type CaptureConfig struct {
	FPS           float64       `mapstructure:"fps"`
	MaxDimension  int           `mapstructure:"max_dimension"`
	JPEGQuality   int           `mapstructure:"jpeg_quality"`
	Countdown     bool          `mapstructure:"countdown"`
	CountdownStep time.Duration `mapstructure:"countdown_step"`
	DisplayWidth  int           `mapstructure:"display_width"`
	DisplayHeight int           `mapstructure:"display_height"`
	Camera        string        `mapstructure:"camera"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	AssetsDir      string        `mapstructure:"assets_dir"`
}

type RecordingConfig struct {
	OutputPath string `mapstructure:"output_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", api.DefaultBaseURL)
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.rate_limit", 2.0)
	v.SetDefault("api.burst", 4)
	v.SetDefault("api.weather_cache_ttl", 5*time.Minute)

	v.SetDefault("capture.fps", capture.DefaultFPS)
	v.SetDefault("capture.max_dimension", capture.DefaultMaxDimension)
	v.SetDefault("capture.jpeg_quality", capture.DefaultJPEGQuality)
	v.SetDefault("capture.countdown", true)
	v.SetDefault("capture.countdown_step", capture.DefaultCountdownStep)
	v.SetDefault("capture.display_width", 640)
	v.SetDefault("capture.display_height", 480)
	v.SetDefault("capture.camera", CameraAuto)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.status_interval", 2*time.Second)
	v.SetDefault("server.health_interval", 5*time.Minute)
	v.SetDefault("server.assets_dir", "")

	v.SetDefault("recording.output_path", "./recordings")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)
	v.SetDefault("log.file", "")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// defaults alone always decode
		panic(err)
	}
	return cfg
}

// Load reads defaults, then configPath when given, then CLOUDMON_* variables.
// The backend URL is also read from API_URL.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api.base_url", EnvPrefix+"_API_URL", "API_URL"); err != nil {
		return nil, errors.Wrap(err, "bind api url env")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	cfg.API.BaseURL = strings.TrimSpace(cfg.API.BaseURL)
	cfg.Capture.Camera = strings.ToLower(strings.TrimSpace(cfg.Capture.Camera))
	return &cfg, nil
}

// LoadDotEnv loads .env files into the process environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// Validate rejects settings the capture loop and client cannot run with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url must not be empty")
	}
	if c.Capture.FPS <= 0 {
		return errors.Errorf("capture.fps must be positive, got %v", c.Capture.FPS)
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return errors.Errorf("capture.jpeg_quality must be within 1..100, got %d", c.Capture.JPEGQuality)
	}
	if c.Capture.MaxDimension <= 0 {
		return errors.Errorf("capture.max_dimension must be positive, got %d", c.Capture.MaxDimension)
	}
	if c.Capture.DisplayWidth <= 0 || c.Capture.DisplayHeight <= 0 {
		return errors.Errorf("capture display size must be positive, got %dx%d",
			c.Capture.DisplayWidth, c.Capture.DisplayHeight)
	}
	switch c.Capture.Camera {
	case CameraAuto, CameraFake:
	default:
		return errors.Errorf("capture.camera must be %q or %q, got %q", CameraAuto, CameraFake, c.Capture.Camera)
	}
	return nil
}

// CaptureOptions maps the capture section onto session options.
func (c *Config) CaptureOptions() capture.Options {
	return capture.Options{
		FPS:           c.Capture.FPS,
		MaxDimension:  c.Capture.MaxDimension,
		JPEGQuality:   c.Capture.JPEGQuality,
		Countdown:     c.Capture.Countdown,
		CountdownStep: c.Capture.CountdownStep,
	}
}
