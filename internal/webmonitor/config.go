package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the dashboard server.
type Config struct {
	Addr                string
	AssetsDir           string
	AllowedOrigins      []string
	StatusInterval      time.Duration
	DisplayWidth        int
	DisplayHeight       int
	StreamQuality       int
	RecordingOutputPath string
	// Location renders weather times; nil means time.Local.
	Location *time.Location
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Addr:                ":8080",
		AllowedOrigins:      []string{"*"},
		StatusInterval:      2 * time.Second,
		DisplayWidth:        640,
		DisplayHeight:       480,
		StreamQuality:       75,
		RecordingOutputPath: "./recordings",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = d.AllowedOrigins
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.DisplayWidth <= 0 || c.DisplayHeight <= 0 {
		c.DisplayWidth, c.DisplayHeight = d.DisplayWidth, d.DisplayHeight
	}
	if c.StreamQuality <= 0 || c.StreamQuality > 100 {
		c.StreamQuality = d.StreamQuality
	}
	if c.RecordingOutputPath == "" {
		c.RecordingOutputPath = d.RecordingOutputPath
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}
